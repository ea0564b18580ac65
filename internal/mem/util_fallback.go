//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

func lockPlatform() (Level, error) {
	return LevelPartial, nil
}

func unlockPlatform() error {
	return nil
}
