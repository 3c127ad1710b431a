// Package number generates globally unique business numbers for payment and
// refund records. The timestamp prefix keeps numbers roughly sortable; the
// random suffix makes collisions across stateless instances implausible, and
// the unique index on the column catches the rest.
package number

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	ts := time.Now().UTC().Format("20060102150405")
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:10]
	return prefix + ts + suffix
}
