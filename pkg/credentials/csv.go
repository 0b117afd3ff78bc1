package credentials

import (
	"strings"
)

// ExtractCSV reads credentials from CSV content.
//
// Column names on the header row are tried first; if they do not resolve,
// every data row is scanned for an access-key-shaped cell paired with a
// second cell long enough to be a secret.
func ExtractCSV(content []byte) Result {
	text := string(content)
	if strings.TrimSpace(text) == "" {
		return Failed("CSV file is empty")
	}
	lines := strings.Split(text, "\n")

	headers := splitRow(lines[0])
	for i, h := range headers {
		headers[i] = strings.ToLower(h)
	}

	accessIdx := indexOf(headers, func(h string) bool {
		return (strings.Contains(h, "access") && strings.Contains(h, "key")) || h == "accesskeyid" || h == "access_key_id"
	})
	secretIdx := indexOf(headers, func(h string) bool {
		return (strings.Contains(h, "secret") && strings.Contains(h, "key")) || h == "secretaccesskey" || h == "secret_access_key"
	})
	regionIdx := indexOf(headers, func(h string) bool {
		return h == "region" || h == "aws_region"
	})

	if accessIdx >= 0 && secretIdx >= 0 && len(lines) > 1 {
		row := splitRow(lines[1])
		accessKey := cell(row, accessIdx)
		secretKey := cell(row, secretIdx)
		region := ""
		if regionIdx >= 0 {
			region = cell(row, regionIdx)
		}
		if accessKey != "" && secretKey != "" {
			return Found(accessKey, secretKey, region)
		}
	}

	for _, line := range lines[1:] {
		values := splitRow(line)
		accessKey := ""
		for _, v := range values {
			if IsAccessKey(v) {
				accessKey = v
				break
			}
		}
		secretKey := ""
		for _, v := range values {
			if len(v) >= MinKeyLength && !IsAccessKey(v) {
				secretKey = v
				break
			}
		}
		if accessKey != "" && secretKey != "" {
			return Found(accessKey, secretKey, DefaultRegion)
		}
	}

	return Failed("Could not find AWS credentials in CSV file")
}

func splitRow(line string) []string {
	parts := strings.Split(line, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func indexOf(items []string, match func(string) bool) int {
	for i, s := range items {
		if match(s) {
			return i
		}
	}
	return -1
}
