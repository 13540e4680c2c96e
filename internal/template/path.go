package template

import (
	"fmt"
	"strconv"
	"strings"
)

// segment is one step of a dotted property path. Either Key is set or
// Index is valid (IsIndex true).
type segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// parsePath splits a dotted path like
// "Properties.SecurityGroupIngress[0].CidrIp" into segments.
func parsePath(path string) ([]segment, error) {
	if path == "" {
		return nil, nil
	}
	var segs []segment
	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if part != "" {
					segs = append(segs, segment{Key: part})
				}
				break
			}
			if open > 0 {
				segs = append(segs, segment{Key: part[:open]})
			}
			closeIdx := strings.IndexByte(part, ']')
			if closeIdx < open {
				return nil, fmt.Errorf("unbalanced brackets in path %q", part)
			}
			n, err := strconv.Atoi(part[open+1 : closeIdx])
			if err != nil {
				return nil, fmt.Errorf("invalid index in path %q: %w", part, err)
			}
			segs = append(segs, segment{Index: n, IsIndex: true})
			part = part[closeIdx+1:]
			if part == "" {
				break
			}
		}
	}
	return segs, nil
}
