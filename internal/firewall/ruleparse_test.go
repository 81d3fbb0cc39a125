// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import "testing"

func TestParseRuleList(t *testing.T) {
	out := `Chain KNOCKD_INPUT (1 references)
num  target     prot opt source               destination
1    ACCEPT     tcp  --  203.0.113.7          0.0.0.0/0            tcp dpt:22 /* _exp_1700000100 */
2    ACCEPT     tcp  --  198.51.100.2         0.0.0.0/0            tcp dpt:443 /* _exp_1700000200 */
`
	rules, err := ParseRuleList(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Number != 1 || rules[0].Expiry != 1700000100 {
		t.Errorf("rule 0 = %+v", rules[0])
	}
	if rules[1].Number != 2 || rules[1].Expiry != 1700000200 {
		t.Errorf("rule 1 = %+v", rules[1])
	}
}

func TestParseRuleList_IgnoresNonKnockdRules(t *testing.T) {
	out := `Chain INPUT (policy ACCEPT)
num  target     prot opt source               destination
1    ACCEPT     all  --  0.0.0.0/0            0.0.0.0/0
2    DROP       all  --  10.0.0.0/8           0.0.0.0/0
`
	rules, err := ParseRuleList(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected 0 rules, got %d", len(rules))
	}
}

func TestParseRuleList_MalformedExpiry(t *testing.T) {
	out := `num  target     prot opt source               destination
1    ACCEPT     tcp  --  203.0.113.7          0.0.0.0/0            /* _exp_notanumber */
`
	_, err := ParseRuleList(out)
	if err == nil {
		t.Fatal("expected a parse error")
	}
	var perr *ParseError
	if !isParseError(err, &perr) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if perr.LineNumber != 2 {
		t.Errorf("LineNumber = %d, want 2", perr.LineNumber)
	}
}

func isParseError(err error, target **ParseError) bool {
	if pe, ok := err.(*ParseError); ok {
		*target = pe
		return true
	}
	return false
}

func TestParseExpComment(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"_exp_1700000100", 1700000100, false},
		{"_exp_1700000100 */", 1700000100, false},
		{"_exp_", 0, true},
		{"no-prefix-here", 0, true},
	}
	for _, c := range cases {
		got, err := parseExpComment(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseExpComment(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseExpComment(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseExpComment(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
