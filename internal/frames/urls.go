package frames

import (
	"strings"

	"github.com/maauso/pixelda-api/internal/cache"
)

// URLs builds public frame URLs, <base>/frames/<dir>/<file>, in input order.
// An empty base yields root-relative URLs.
func URLs(base, dirName string, fileNames []string) []string {
	base = strings.TrimRight(base, "/")
	urls := make([]string, len(fileNames))
	for i, name := range fileNames {
		urls[i] = base + "/" + cache.FramesEndpoint + "/" + dirName + "/" + name
	}
	return urls
}
