package util

// HideAPIKey obscures an API key for logging purposes, showing only the first and last few characters.
func HideAPIKey(apiKey string) string {
	if len(apiKey) > 8 {
		return apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
	} else if len(apiKey) > 4 {
		return apiKey[:2] + "..." + apiKey[len(apiKey)-2:]
	} else if len(apiKey) > 2 {
		return apiKey[:1] + "..." + apiKey[len(apiKey)-1:]
	}
	return apiKey
}

// KeySuffix returns the trailing characters of an API key for compact log lines.
func KeySuffix(apiKey string) string {
	if len(apiKey) <= 4 {
		return apiKey
	}
	return "..." + apiKey[len(apiKey)-4:]
}
