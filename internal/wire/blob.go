package wire

// DecodeBlobArg decodes the base64 content of a parsed blob instruction's
// second argument back into raw bytes, using the permissive decoder
// documented on base64DecodeTable.
func DecodeBlobArg(s string) []byte {
	return Base64Decode([]byte(s))
}
