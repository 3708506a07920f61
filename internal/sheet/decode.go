package sheet

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode turns raw document bytes into text. UTF-8 is tried first; anything
// else is decoded as GBK with undecodable bytes replaced. fallback reports
// whether the GBK path was taken. Decode never fails.
func Decode(data []byte) (text string, fallback bool) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), false
	}

	decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), string(utf8.RuneError)), true
	}
	return strings.ToValidUTF8(string(decoded), string(utf8.RuneError)), true
}
