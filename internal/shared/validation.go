package shared

import (
	"errors"
	"regexp"
	"strings"
)

// IAM action pattern: <service-namespace>:<action-name>
var iamActionRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+:[a-zA-Z0-9_\*]+$`)

// validate action from configuration file
func IsValidAction(action string) bool {
	return iamActionRegex.MatchString(action)
}

// validate scope
func IsValidScope(scope string) bool {
	switch Scope(strings.ToLower(scope)) {
	case ScopeRoles, ScopeUsers, ScopeAll:
		return true
	}
	return false
}

// validate check name
func IsValidCheck(check Check) bool {
	for _, known := range AllChecks {
		if known == check {
			return true
		}
	}
	return false
}

// Validate checks every field of the compliance configuration.
func (c Config) Validate() error {
	if c.HasCheck(CheckIAMRestrictedActions) {
		if !IsValidScope(c.Scope) {
			return errors.New("invalid scope [" + c.Scope + "]")
		}
		if len(c.RestrictedActions) == 0 {
			return errors.New("no restricted actions configured")
		}
	}
	for _, action := range c.RestrictedActions {
		if !IsValidAction(action) {
			return errors.New("invalid action [" + action + "]")
		}
	}
	for _, check := range c.Checks {
		if !IsValidCheck(check) {
			return errors.New("invalid check [" + string(check) + "]")
		}
	}
	for _, account := range c.AWSAccounts {
		if account.AccountID == "" || account.RoleName == "" {
			return errors.New("aws account entries need accountId and roleName")
		}
	}
	return nil
}

func ValidateAnnotation(str string, maxLength int) string {
	if str != "" {
		return truncateString(str, maxLength)
	}
	return "N/A"
}

// truncateString cuts on rune boundaries so the result stays valid UTF-8.
func truncateString(str string, maxLength int) string {
	runes := []rune(str)
	if len(runes) > maxLength {
		if maxLength > 3 {
			return string(runes[:maxLength-3]) + "..."
		}
		return string(runes[:maxLength])
	}
	return str
}
