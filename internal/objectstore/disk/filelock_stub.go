//go:build !unix

package disk

import "os"

// flockFile only serializes writers inside this process on non-Unix
// platforms.
func flockFile(*os.File, bool) error { return nil }
