package crypto

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
)

// PrivilegeKey proves possession of the token without sending it.
// It is the hex MD5 digest of token followed by the decimal unix timestamp.
// The server recomputes it from the timestamp carried next to it, so callers
// must send the same timestamp they hashed.
func PrivilegeKey(token string, timestamp int64) string {
	sum := md5.Sum([]byte(token + strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(sum[:])
}

// VerifyPrivilegeKey reports whether key matches token and timestamp.
func VerifyPrivilegeKey(token string, timestamp int64, key string) bool {
	want := PrivilegeKey(token, timestamp)
	return subtle.ConstantTimeCompare([]byte(want), []byte(key)) == 1
}
