// Package powershell runs scripts through a local pwsh, passing them as
// encoded commands so quoting survives the trip through the process
// arguments.
package powershell

import (
	"encoding/base64"

	"golang.org/x/text/encoding/unicode"
)

// Encode prepares a script for pwsh -EncodedCommand. The progress
// preference is forced off first so cmdlets do not clutter stderr with
// progress noise.
func Encode(script string) (string, error) {
	return ToBase64String("$ProgressPreference='SilentlyContinue';" + script)
}

// ToBase64String encodes a script to a UTF16-LE, base64 encoded string,
// the encoding -EncodedCommand expects:
//
//	$encoded = [Convert]::ToBase64String([Text.Encoding]::Unicode.GetBytes($text))
func ToBase64String(script string) (string, error) {
	uni := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	encoded, err := uni.NewEncoder().String(script)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString([]byte(encoded)), nil
}
