//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package osmem

func newSystemBackend() Backend {
	return Heap()
}
