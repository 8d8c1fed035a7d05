package psboot

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/byteflusher/internal/fault"
)

// Work artifacts live under <targetDir>\.tmp on the target.
const (
	WorkDirName    = ".tmp"
	TempFilePrefix = "bf_payload_"
	BootFilePrefix = "bf_boot_"
	LogFileName    = "bf_last_error.txt"
)

// OverwritePolicy decides what bf_prepare_out_b64 does when the
// destination already exists.
type OverwritePolicy string

const (
	PolicyFail      OverwritePolicy = "fail"
	PolicyOverwrite OverwritePolicy = "overwrite"
	PolicyBackup    OverwritePolicy = "backup"
)

// ParseOverwritePolicy accepts fail, overwrite or backup.
func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	switch p := OverwritePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyFail, PolicyOverwrite, PolicyBackup:
		return p, nil
	}
	return "", fmt.Errorf("psboot: overwrite policy %q (want fail, overwrite or backup): %w", s, fault.ErrPrecondition)
}

// TrimTargetDir drops surrounding spaces and trailing path separators.
func TrimTargetDir(dir string) string {
	return strings.TrimRight(strings.TrimSpace(dir), `\/`)
}

var driveRoot = regexp.MustCompile(`^[A-Za-z]:\\`)

// ValidateTargetDir requires an absolute Windows path that is ASCII and
// free of spaces and control characters, since it is typed verbatim.
func ValidateTargetDir(dir string) error {
	d := strings.TrimSpace(dir)
	if d == "" {
		return fmt.Errorf("psboot: target directory is empty: %w", fault.ErrPrecondition)
	}
	for _, r := range d {
		if r > 0x7E || r <= 0x20 {
			return fmt.Errorf("psboot: target directory %q must be ASCII without spaces: %w", dir, fault.ErrPrecondition)
		}
	}
	if !driveRoot.MatchString(d) {
		return fmt.Errorf(`psboot: target directory %q must look like C:\dir: %w`, dir, fault.ErrPrecondition)
	}
	return nil
}

// WorkDir returns <targetDir>\.tmp.
func WorkDir(targetDir string) string {
	return TrimTargetDir(targetDir) + `\` + WorkDirName
}

// TempPath returns the Base64 buffer a file's chunks are appended to.
func TempPath(targetDir, token string) string {
	return WorkDir(targetDir) + `\` + TempFilePrefix + token + ".b64"
}

// BootFileName returns the boot buffer's file name for token.
func BootFileName(token string) string {
	return BootFilePrefix + tokenUnsafe.ReplaceAllString(token, "_") + ".b64"
}

// BootPath returns the boot buffer bf_boot_append writes to.
func BootPath(targetDir, token string) string {
	return WorkDir(targetDir) + `\` + BootFileName(token)
}

// LogPath returns the diagnostic log written by a failed commit.
func LogPath(targetDir string) string {
	return WorkDir(targetDir) + `\` + LogFileName
}

// OutPath joins a slash-separated relative path onto the target directory.
func OutPath(targetDir, rel string) string {
	rel = strings.Trim(strings.ReplaceAll(rel, "/", `\`), `\`)
	return TrimTargetDir(targetDir) + `\` + rel
}

const tokenRandLen = 8

// RunToken returns "<base36 unix-ms>_<8 base36 chars>". It is safe in file
// names and in single-quoted PowerShell strings.
func RunToken(now time.Time) string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	r := n.Text(36)
	if len(r) < tokenRandLen {
		r = strings.Repeat("0", tokenRandLen-len(r)) + r
	}
	return strconv.FormatInt(now.UnixMilli(), 36) + "_" + r[len(r)-tokenRandLen:]
}
