package credentials

import (
	"strings"
)

// ExtractText scans delimited text (.txt, .env, .config) for credentials.
//
// key=value lines are matched by case-insensitive key substrings. Lines
// without '=' fall back to a positional heuristic: an access-key-shaped token
// sets the access key, and once one is known the next line of at least
// MinKeyLength characters that carries no such token is taken as the secret.
// The heuristic is best-effort and can misfire on ordinary prose.
func ExtractText(content []byte) Result {
	var accessKey, secretKey, region string

	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if key, value, ok := strings.Cut(line, "="); ok {
			lowerKey := strings.ToLower(strings.TrimSpace(key))
			value = unquote(strings.TrimSpace(value))

			// Secret first: "aws_secret_access_key" also contains "access_key".
			switch {
			case strings.Contains(lowerKey, "aws_secret_access_key"), strings.Contains(lowerKey, "secret_key"):
				secretKey = value
			case strings.Contains(lowerKey, "aws_access_key_id"), strings.Contains(lowerKey, "access_key"):
				accessKey = value
			case strings.Contains(lowerKey, "region"), strings.Contains(lowerKey, "aws_region"):
				region = value
			}
			continue
		}

		token, hasToken := FindAccessKey(line)
		if accessKey == "" && hasToken {
			accessKey = token
		}
		if secretKey == "" && accessKey != "" && !hasToken && len(line) >= MinKeyLength {
			secretKey = strings.TrimSpace(unquote(line))
		}
	}

	if accessKey == "" || secretKey == "" {
		return Failed("Could not find AWS credentials in text file")
	}
	return Found(accessKey, secretKey, region)
}

func unquote(s string) string {
	return strings.Trim(s, `"'`)
}
