package secrets

import "encoding/base64"

// decodeGCPPayload decodes the base64-encoded secret payload data field, as
// returned by the Secret Manager v1 discovery-generated client.
func decodeGCPPayload(data string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
