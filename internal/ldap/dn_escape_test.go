package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeDNValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"plain", "jdoe", "jdoe"},
		{"comma", "Doe, John", `Doe\, John`},
		{"leading and trailing space", " John ", `\ John\ `},
		{"leading hash", "#123", `\#123`},
		{"inner hash", "a#b", "a#b"},
		{"specials", `a+b"c\d<e>f;g=h`, `a\+b\"c\\d\<e\>f\;g\=h`},
		{"null byte", "a\x00b", `a\00b`},
		{"injection attempt", "x,ou=Admins", `x\,ou\=Admins`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EscapeDNValue(tt.input))
		})
	}
}

func TestJoinDN(t *testing.T) {
	assert.Equal(t, "uid=jdoe,ou=People,dc=example,dc=com", JoinDN("uid", "jdoe", "ou=People,dc=example,dc=com"))
	assert.Equal(t, `cn=a\,b,ou=Group,dc=example,dc=com`, JoinDN("cn", "a,b", "ou=Group,dc=example,dc=com"))
	assert.Equal(t, "cn=root", JoinDN("cn", "root", ""))
}

func TestValidateDN(t *testing.T) {
	assert.NoError(t, ValidateDN("dc=wics,dc=uwaterloo,dc=ca"))
	assert.NoError(t, ValidateDN(JoinDN("cn", "a,b", "dc=example,dc=com")))
	assert.Error(t, ValidateDN(""))
	assert.Error(t, ValidateDN("not a dn"))
}
