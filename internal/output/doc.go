// Package output turns raw bytes captured from a plugin process into the
// text expected by the monitoring collector: UTF-16 normalization, cache
// annotation of section headers and removal of trailing NUL bytes.
package output
