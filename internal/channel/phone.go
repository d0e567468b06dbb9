package channel

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone parses num and formats it as E.164. Numbers without a
// leading + are parsed in defaultRegion (e.g. "US").
func NormalizePhone(num, defaultRegion string) (string, error) {
	num = strings.TrimSpace(num)
	if num == "" {
		return "", fmt.Errorf("missing number")
	}
	region := ""
	if !strings.HasPrefix(num, "+") {
		if defaultRegion == "" {
			return "", fmt.Errorf("phone number must be in E.164 format with +")
		}
		region = strings.ToUpper(defaultRegion)
	}

	parsed, err := phonenumbers.Parse(num, region)
	if err != nil || !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("invalid phone number")
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
