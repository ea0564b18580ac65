package backup

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateBackupID generates a unique backup ID
func GenerateBackupID() string {
	return fmt.Sprintf("backup_%d_%s", time.Now().Unix(), uuid.NewString())
}
