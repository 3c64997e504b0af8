package output

import (
	"bytes"
	"strconv"
)

// AnnotateMode selects where the cache patch goes
type AnnotateMode int

const (
	// AnnotateHeader inserts the patch into every `<<<name>>>` header.
	AnnotateHeader AnnotateMode = iota
	// AnnotateLine prefixes every line with the patch, used by local checks.
	AnnotateLine
)

const (
	headerLeft     = "<<<"
	headerRight    = ">>>"
	piggybackLeft  = "<<<<"
	piggybackRight = ">>>>"

	// maxHeaderLen limits how far the closing bracket may be from the start
	maxHeaderLen = 100
)

// removeCarriageReturns strips trailing '\r' from every line while annotating
const removeCarriageReturns = false

// PatchString returns the cache marker for data captured at epoch (unix
// seconds) and valid for cacheAge seconds. It is empty when either is zero.
func PatchString(epoch int64, cacheAge int, mode AnnotateMode) string {
	if epoch == 0 || cacheAge == 0 {
		return ""
	}
	marker := "cached(" + strconv.FormatInt(epoch, 10) + "," + strconv.Itoa(cacheAge) + ")"
	if mode == AnnotateLine {
		return marker + " "
	}
	return ":" + marker
}

// AnnotateWithCacheInfo applies patch to data according to mode. Section
// headers inside a piggyback block are never patched. Empty data returns
// (nil, false); an empty patch returns data unchanged. A missing trailing
// newline of data stays missing.
func AnnotateWithCacheInfo(data []byte, patch string, mode AnnotateMode) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	if patch == "" && !removeCarriageReturns {
		return bytes.Clone(data), true
	}

	lines := bytes.Split(data, []byte("\n"))
	if data[len(data)-1] == '\n' {
		lines = lines[:len(lines)-1]
	}

	var out bytes.Buffer
	out.Grow(len(data) + len(lines)*len(patch))
	allowed := true
	for _, line := range lines {
		if removeCarriageReturns {
			line = bytes.TrimRight(line, "\r")
		}
		switch {
		case patch == "":
			out.Write(line)
		case mode == AnnotateLine:
			out.WriteString(patch)
			out.Write(line)
		default:
			if name, ok := piggybackName(line); ok {
				allowed = name == ""
				out.Write(line)
				break
			}
			if !allowed || !patchHeader(&out, line, patch) {
				out.Write(line)
			}
		}
		out.WriteByte('\n')
	}

	ret := out.Bytes()
	if data[len(data)-1] != '\n' {
		ret = ret[:len(ret)-1]
	}
	return ret, true
}

// piggybackName returns the host name of a `<<<<name>>>>` line. The empty
// name `<<<<>>>>` ends a piggyback block.
func piggybackName(line []byte) (string, bool) {
	if !bytes.HasPrefix(line, []byte(piggybackLeft)) {
		return "", false
	}
	end := bytes.Index(line, []byte(piggybackRight))
	if end < len(piggybackLeft) {
		return "", false
	}
	return string(line[len(piggybackLeft):end]), true
}

func patchHeader(out *bytes.Buffer, line []byte, patch string) bool {
	if !bytes.HasPrefix(line, []byte(headerLeft)) {
		return false
	}
	end := bytes.Index(line, []byte(headerRight))
	if end <= 0 || end >= maxHeaderLen {
		return false
	}
	out.Write(line[:end])
	out.WriteString(patch)
	out.Write(line[end:])
	return true
}
