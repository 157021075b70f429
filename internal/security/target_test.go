// internal/security/target_test.go
package security

import (
	"errors"
	"strings"
	"testing"
)

func TestTargetPolicyCheck(t *testing.T) {
	tests := []struct {
		name    string
		policy  TargetPolicy
		url     string
		wantErr bool
	}{
		{"public https", TargetPolicy{}, "https://shop.example.com/item/1", false},
		{"public http", TargetPolicy{}, "http://93.184.216.34/", false},
		{"ftp", TargetPolicy{}, "ftp://shop.example.com/", true},
		{"no host", TargetPolicy{}, "https:///path", true},
		{"loopback", TargetPolicy{}, "http://127.0.0.1:8080/", true},
		{"ipv6 loopback", TargetPolicy{}, "http://[::1]/", true},
		{"localhost", TargetPolicy{}, "http://LOCALHOST/", true},
		{"private range", TargetPolicy{}, "http://10.1.2.3/", true},
		{"link local metadata", TargetPolicy{}, "http://169.254.169.254/latest/", true},
		{"unspecified", TargetPolicy{}, "http://0.0.0.0/", true},
		{"private allowed", TargetPolicy{AllowPrivate: true}, "http://127.0.0.1/", false},
		{"blocked domain", TargetPolicy{BlockedDomains: []string{"example.org"}}, "https://example.org/", true},
		{"blocked subdomain", TargetPolicy{BlockedDomains: []string{"Example.org"}}, "https://www.example.org/", true},
		{"suffix is not subdomain", TargetPolicy{BlockedDomains: []string{"example.org"}}, "https://notexample.org/", false},
		{"too long", TargetPolicy{MaxURLLength: 80}, "https://shop.example.com/" + strings.Repeat("a", 100), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Check(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			var pe *PolicyError
			if err != nil && !errors.As(err, &pe) {
				t.Errorf("error should be a *PolicyError, got %T", err)
			}
		})
	}
}
