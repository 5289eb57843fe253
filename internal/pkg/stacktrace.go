package pkg

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/ansel1/merry"
)

func FormatMerryStacktrace(e error, sep string) string {
	trace := ""
	for i, fp := range merry.Stack(e) {
		fnc := runtime.FuncForPC(fp)
		if fnc == nil {
			continue
		}
		name := filepath.Base(fnc.Name())
		if name == "runtime.goexit" {
			continue
		}
		file, line := fnc.FileLine(fp)
		file = excludeGoPathPkgModRegexp.ReplaceAllString(filepath.ToSlash(file), "")
		if i != 0 {
			trace += sep
		}
		trace += fmt.Sprintf("%s:%d %s", file, line, name)
	}
	return trace
}

var excludeGoPathPkgModRegexp = regexp.MustCompile(`.*/pkg/mod/`)
