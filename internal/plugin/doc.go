// Package plugin executes external plugins and caches their output.
//
// An Entry owns one executable: its configuration, the last good output and
// an optional background worker refreshing that output. A Table reconciles
// the entries with the files found in plugin folders and the ordered
// execution rules of the configuration. CollectSync and CollectAsync
// produce the aggregated answer of one scheduling tick.
package plugin
