package component

import "fmt"

// FilePort is a file written by an output, like the JSONL file the
// file sink appends fused objects to.
type FilePort struct {
	Path    string `json:"path"`
	Pattern string `json:"pattern,omitempty"`
}

// ResourceID returns file: plus the path.
func (f FilePort) ResourceID() string {
	return fmt.Sprintf("file:%s", f.Path)
}

// IsExclusive reports false; readers can share a path.
func (f FilePort) IsExclusive() bool {
	return false
}

// Type returns the port type identifier
func (f FilePort) Type() string {
	return "file"
}
