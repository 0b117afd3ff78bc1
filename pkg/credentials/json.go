package credentials

import (
	"github.com/tidwall/gjson"
)

// Alias paths tried in priority order. Nested paths use gjson dot syntax.
var (
	jsonAccessKeyPaths = []string{
		"accessKey",
		"access_key",
		"accessKeyId",
		"access_key_id",
		"AWS_ACCESS_KEY_ID",
		"credentials.accessKeyId",
		"aws.accessKeyId",
		"aws_access_key_id",
	}
	jsonSecretKeyPaths = []string{
		"secretKey",
		"secret_key",
		"secretAccessKey",
		"secret_access_key",
		"AWS_SECRET_ACCESS_KEY",
		"credentials.secretAccessKey",
		"aws.secretAccessKey",
		"aws_secret_access_key",
	}
	jsonRegionPaths = []string{
		"region",
		"aws_region",
		"AWS_REGION",
		"credentials.region",
		"aws.region",
	}
)

// ExtractJSON resolves the triple from a JSON object by alias lookup.
func ExtractJSON(content []byte) Result {
	if !gjson.ValidBytes(content) {
		return Failed("Invalid JSON file: malformed JSON document")
	}
	doc := gjson.ParseBytes(content)
	if !doc.IsObject() {
		return Failed("Invalid JSON file: expected a JSON object at the top level")
	}

	accessKey := firstString(doc, jsonAccessKeyPaths)
	secretKey := firstString(doc, jsonSecretKeyPaths)
	if accessKey == "" || secretKey == "" {
		return Failed("Could not find AWS credentials in JSON file")
	}

	return Found(accessKey, secretKey, firstString(doc, jsonRegionPaths))
}

// firstString returns the first non-empty string value among paths.
func firstString(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		v := doc.Get(p)
		if v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
