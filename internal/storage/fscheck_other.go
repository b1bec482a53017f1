//go:build !darwin && !linux

package storage

// detectFilesystemType cannot inspect mounts here; the ledger path is
// assumed to be local.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
