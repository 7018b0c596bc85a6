package dav

import "strings"

// davPath is a parsed request path below the base prefix:
//
//	/calendars/<collection>/<object>
//	/addressbooks/<collection>/<object>
//	/principals/users/<user>
type davPath struct {
	Service    string
	Collection string
	Object     string
}

func splitPath(basePath, urlPath string) davPath {
	p := strings.TrimPrefix(urlPath, basePath)
	p = strings.Trim(p, "/")
	if p == "" {
		return davPath{}
	}
	parts := strings.SplitN(p, "/", 3)
	out := davPath{Service: parts[0]}
	if out.Service == "principals" {
		if len(parts) == 3 && parts[1] == "users" {
			out.Collection = parts[2]
		}
		return out
	}
	if len(parts) > 1 {
		out.Collection = parts[1]
	}
	if len(parts) > 2 {
		out.Object = parts[2]
	}
	return out
}

// safeSegment rejects path segments that could escape the collection
// namespace.
func safeSegment(s string) bool {
	return s != "" && !strings.Contains(s, "/") && !strings.Contains(s, "\\") && !strings.Contains(s, "..")
}

func trimExt(name string) string {
	name = strings.TrimSuffix(name, ".ics")
	return strings.TrimSuffix(name, ".vcf")
}
