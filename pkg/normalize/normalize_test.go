package normalize

import (
	"errors"
	"math/rand"
	"regexp"
	"strings"
	"testing"
)

var validName = regexp.MustCompile(`^[a-z0-9_-]+(\.[a-z0-9_-]+)+$`)

func TestMetricName(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		prefix string
		want   string
	}{
		{"zabbix item with arguments", "CPU Load (avg)", "zabbix.", "zabbix.cpu.load.avg"},
		{"bracketed item key", "system.cpu.load[percpu,avg1]", "zabbix.", "zabbix.system.cpu.load.percpu.avg1"},
		{"already prefixed", "zabbix.net.if.in", "zabbix.", "zabbix.net.if.in"},
		{"prefix detection ignores case", "Zabbix.Net.If.In", "zabbix.", "zabbix.net.if.in"},
		{"mixed case prefix", "vm.memory.size", "ZBX.", "zbx.vm.memory.size"},
		{"whitespace runs", "free   disk\tspace", "zabbix.", "zabbix.free.disk.space"},
		{"trailing punctuation", "disk used %", "zabbix.", "zabbix.disk.used"},
		{"leading punctuation", "[total]", "zabbix.", "zabbix.total"},
		{"hyphen and underscore kept", "proc_num-running", "zabbix.", "zabbix.proc_num-running"},
		{"consecutive dots", "vfs..fs...size", "zabbix.", "zabbix.vfs.fs.size"},
		{"non-ascii letters are punctuation", "température cœur", "zabbix.", "zabbix.temp.rature.c.ur"},
		{"empty prefix with dotted key", "agent.ping", "", "agent.ping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MetricName(tt.key, tt.prefix)
			if err != nil {
				t.Fatalf("MetricName(%q, %q) error = %v", tt.key, tt.prefix, err)
			}
			if got != tt.want {
				t.Errorf("MetricName(%q, %q) = %q, want %q", tt.key, tt.prefix, got, tt.want)
			}
		})
	}
}

func TestMetricNameRejects(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		prefix  string
		wantErr error
	}{
		{"empty prefix and dotless key", "uptime", "", ErrNoDot},
		{"dotless prefix", "uptime", "zabbix", ErrNoDot},
		{"punctuation only", "[]()", "zabbix.", ErrEmptyKey},
		{"empty key", "", "zabbix.", ErrEmptyKey},
		{"whitespace only", "   ", "zabbix.", ErrEmptyKey},
		{"double dot prefix", "cpu", "zabbix..", ErrBadPrefix},
		{"leading dot prefix", "cpu", ".zabbix.", ErrBadPrefix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MetricName(tt.key, tt.prefix)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("MetricName(%q, %q) = %q, %v; want error %v", tt.key, tt.prefix, got, err, tt.wantErr)
			}
		})
	}
}

func TestHost(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"web_01 server", "web.01.server"},
		{"db-primary", "db-primary"},
		{"Zabbix server", "Zabbix.server"},
		{"app01.example.com", "app01.example.com"},
		{"host (eu-west)", "host..eu-west."},
	}

	for _, tt := range tests {
		if got := Host(tt.host); got != tt.want {
			t.Errorf("Host(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const noise = " \t()[]{},;:!?%$#@&*+=/\\|'\"<>~^.-_"

func randomString(r *rand.Rand, alphabet string, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteByte(alphabet[r.Intn(len(alphabet))])
	}
	return sb.String()
}

func TestMetricNameAlnumKeysArePrefixedAndLowerCase(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		key := randomString(r, alnum, 1+r.Intn(24))
		got, err := MetricName(key, "zabbix.")
		if err != nil {
			t.Fatalf("MetricName(%q) error = %v", key, err)
		}
		if !strings.HasPrefix(got, "zabbix.") {
			t.Errorf("MetricName(%q) = %q, missing prefix", key, got)
		}
		if got != strings.ToLower(got) {
			t.Errorf("MetricName(%q) = %q, has upper-case characters", key, got)
		}
	}
}

func TestMetricNameOutputIsWellFormed(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 2000; i++ {
		key := randomString(r, alnum+noise, 1+r.Intn(32))
		got, err := MetricName(key, "zabbix.")
		if errors.Is(err, ErrEmptyKey) {
			continue
		}
		if err != nil {
			t.Fatalf("MetricName(%q) error = %v", key, err)
		}
		if !validName.MatchString(got) {
			t.Errorf("MetricName(%q) = %q, not a valid metric name", key, got)
		}
		if strings.Contains(got, "..") || strings.HasSuffix(got, ".") {
			t.Errorf("MetricName(%q) = %q, dot runs or trailing dot", key, got)
		}
	}
}

func TestMetricNameIdempotent(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for _, prefix := range []string{"zabbix.", "Zabbix.", "zbx.agent."} {
		for i := 0; i < 500; i++ {
			key := randomString(r, alnum+noise, 1+r.Intn(32))
			once, err := MetricName(key, prefix)
			if err != nil {
				continue
			}
			twice, err := MetricName(once, prefix)
			if err != nil {
				t.Fatalf("MetricName(%q) second pass error = %v", once, err)
			}
			if once != twice {
				t.Errorf("not idempotent for %q with prefix %q: %q then %q", key, prefix, once, twice)
			}
		}
	}
}
