package mem

// Level reports how well the process keeps key material out of swap
type Level int

const (
	LevelNone    Level = iota // nothing could be applied
	LevelPartial              // guarded buffers only, pages may still be swapped
	LevelFull                 // all current and future pages locked in RAM
)

func (l Level) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelPartial:
		return "partial"
	default:
		return "none"
	}
}

// Lock asks the OS to keep the process resident. Lack of privilege is not an
// error: memguard buffers still protect key material, so LevelPartial is returned.
func Lock() (Level, error) {
	return lockPlatform()
}

// Unlock releases locks applied by Lock
func Unlock() error {
	return unlockPlatform()
}
