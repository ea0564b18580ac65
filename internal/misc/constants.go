package misc

const (
	// ArgonTime Key derivation parameters for passphrase protected keystores
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	// SymmetricKeySize is the size of vault, item and wrapping keys
	SymmetricKeySize = 32

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700 // user read + write + execute

	// MaxIdentifierLength bounds vault, item and key identifiers used in paths
	MaxIdentifierLength = 128
)
