package eventlog

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// compressSegment gzip-compresses path in place (writing path+".gz" and
// removing the uncompressed original) and returns the compressed path.
// klauspost/compress's gzip is a drop-in, faster replacement for the
// standard library's — used here for the same reason the rest of the
// broker favors the compress/klauspost stack for anything throughput
// sensitive.
func compressSegment(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("eventlog: open rolled segment: %w", err)
	}
	defer src.Close()

	dstPath := path + ".gz"
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("eventlog: create compressed segment: %w", err)
	}

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		dst.Close()
		return "", fmt.Errorf("eventlog: compress segment: %w", err)
	}
	if err := gw.Close(); err != nil {
		dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("eventlog: remove uncompressed segment: %w", err)
	}
	return dstPath, nil
}
