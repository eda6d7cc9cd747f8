package buildversion

import (
	"runtime/debug"
)

// GetVersion returns the module version of pkgName as recorded in the
// binary's build info, or "unknown".
func GetVersion(pkgName string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	if info.Main.Path == pkgName {
		return versionOrDevel(info.Main.Version)
	}
	for _, dep := range info.Deps {
		if dep.Path == pkgName {
			return versionOrDevel(dep.Version)
		}
	}
	return "unknown"
}

func versionOrDevel(v string) string {
	if v == "" {
		return "(devel)"
	}
	return v
}
