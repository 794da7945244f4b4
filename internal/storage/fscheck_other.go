//go:build !linux

package storage

// detectFilesystem cannot inspect mounts here; report an unknown local type.
func detectFilesystem(path string) (string, error) {
	return "unknown", nil
}
