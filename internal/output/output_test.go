package output

import (
	"strings"
	"testing"
	"time"

	"github.com/marcus/medsync/internal/models"
)

func TestFormatTimeAgoJustNow(t *testing.T) {
	now := time.Now()
	for _, tm := range []time.Time{now, now.Add(-30 * time.Second), now.Add(-59 * time.Second)} {
		if got := FormatTimeAgo(tm); got != "just now" {
			t.Errorf("FormatTimeAgo(%v) = %q, want 'just now'", tm, got)
		}
	}
}

func TestFormatTimeAgoRelative(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{5 * time.Minute, "5 minutes ago"},
		{3 * time.Hour, "3 hours ago"},
		{2 * 24 * time.Hour, "2 days ago"},
	}
	for _, tc := range tests {
		got := FormatTimeAgo(time.Now().Add(-tc.duration))
		if got != tc.expected {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.duration, got, tc.expected)
		}
	}
}

func TestFormatTimeAgoOld(t *testing.T) {
	tm := time.Now().Add(-30 * 24 * time.Hour)
	if got := FormatTimeAgo(tm); got != tm.Format("2006-01-02") {
		t.Errorf("FormatTimeAgo = %q, want date", got)
	}
}

func TestFormatBytes(t *testing.T) {
	if got := FormatBytes(2048); got != "2.0 kB" {
		t.Errorf("FormatBytes(2048) = %q", got)
	}
}

func TestStateBadge(t *testing.T) {
	for _, s := range models.AllStates {
		badge := StateBadge(s)
		if !strings.Contains(badge, string(s)) {
			t.Errorf("StateBadge(%s) = %q, missing state name", s, badge)
		}
		if strings.Contains(badge, "?") {
			t.Errorf("StateBadge(%s) has no symbol", s)
		}
	}
	if got := StateBadge("bogus"); !strings.Contains(got, "? bogus") {
		t.Errorf("StateBadge(bogus) = %q", got)
	}
}

func TestFormatStateUnknown(t *testing.T) {
	if got := FormatState("bogus"); got != "bogus" {
		t.Errorf("FormatState(bogus) = %q, want plain", got)
	}
	if got := FormatState(models.StateCommitted); !strings.Contains(got, "[committed]") {
		t.Errorf("FormatState(committed) = %q", got)
	}
}

func TestFormatTransmissionState(t *testing.T) {
	if got := FormatTransmissionState(""); !strings.Contains(got, "never") {
		t.Errorf("empty state = %q, want never", got)
	}
	for _, s := range []models.TransmissionState{
		models.TransmissionOK, models.TransmissionPending,
		models.TransmissionCannotRunParallel, models.TransmissionUnknownPeer,
	} {
		if got := FormatTransmissionState(s); !strings.Contains(got, string(s)) {
			t.Errorf("FormatTransmissionState(%s) = %q", s, got)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0a1b2c3d-4e5f-6789"); got != "0a1b2c3d" {
		t.Errorf("ShortID = %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID(abc) = %q", got)
	}
}

func sampleRecord() *models.ChangeRecord {
	return &models.ChangeRecord{
		Seq:        7,
		ID:         "5f0e2a9c-1111-2222-3333-444455556666",
		OriginalID: "9d8c7b6a-aaaa-bbbb-cccc-ddddeeeeffff",
		Timestamp:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Delivery:   models.Delivery{State: models.StateSentAgain, RetryCount: 2, ErrorMessage: "timeout"},
		Classes:    []string{"patient", "visit"},
		Items: []models.Item{
			{Class: "patient", UUID: "p-1", Action: models.ActionCreate},
			{Class: "visit", UUID: "v-1", Action: models.ActionUpdate},
		},
		ServerRecords: []models.ServerRecord{
			{RecordSeq: 7, PeerID: "peer-parent-id", Delivery: models.Delivery{State: models.StateSentAgain, RetryCount: 2}},
			{RecordSeq: 7, PeerID: "0123456789abcdef", Delivery: models.Delivery{State: models.StateCommitted}},
		},
	}
}

func TestFormatRecordShort(t *testing.T) {
	got := FormatRecordShort(sampleRecord())
	for _, want := range []string{"#7", "5f0e2a9c", "patient,visit", "2 item(s)", "sent_again", "retries=2"} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatRecordShort missing %q in %q", want, got)
		}
	}
}

func TestFormatPeerLine(t *testing.T) {
	p := &models.Peer{ID: "abcdef0123456789", Nickname: "clinic-a", Role: models.RoleChild, Disabled: true}
	got := FormatPeerLine(p)
	for _, want := range []string{"clinic-a", "[child]", "abcdef01", "file channel", "last sync never", "[disabled]"} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatPeerLine missing %q in %q", want, got)
		}
	}

	now := time.Now()
	p = &models.Peer{ID: "x", Nickname: "hq", Role: models.RoleParent, Address: "https://hq.example",
		LastSyncAt: &now, LastSyncState: models.TransmissionOK}
	got = FormatPeerLine(p)
	for _, want := range []string{"https://hq.example", "just now", "OK"} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatPeerLine missing %q in %q", want, got)
		}
	}
}

func TestFormatCounts(t *testing.T) {
	got := FormatCounts(models.StateCounts{
		models.StateRejected:  1,
		models.StateNew:       3,
		models.StateCommitted: 0,
	})
	newIdx := strings.Index(got, "new 3")
	rejIdx := strings.Index(got, "rejected 1")
	if newIdx < 0 || rejIdx < 0 {
		t.Fatalf("FormatCounts = %q", got)
	}
	if newIdx > rejIdx {
		t.Errorf("FormatCounts not in lifecycle order: %q", got)
	}
	if strings.Contains(got, "committed") {
		t.Errorf("FormatCounts should skip zero counts: %q", got)
	}
	if got := FormatCounts(nil); !strings.Contains(got, "none") {
		t.Errorf("FormatCounts(nil) = %q", got)
	}
}

func TestSectionHeader(t *testing.T) {
	if got := SectionHeader("server records"); got != "\nSERVER RECORDS:\n" {
		t.Errorf("SectionHeader = %q", got)
	}
}

func TestIndentString(t *testing.T) {
	if got := IndentString("a\nb", 2); got != "  a\n  b" {
		t.Errorf("IndentString = %q", got)
	}
	if got := IndentString("", 4); got != "" {
		t.Errorf("IndentString(empty) = %q", got)
	}
}

func TestRecordMarkdown(t *testing.T) {
	md := RecordMarkdown(sampleRecord(), map[string]string{"peer-parent-id": "hq"})
	for _, want := range []string{
		"# Record #7",
		"**Original ID:** `9d8c7b6a-aaaa-bbbb-cccc-ddddeeeeffff`",
		"**Last error:** timeout",
		"| patient | `p-1` | create |",
		"| hq | sent_again | 2 |",
		"| 01234567 | committed | 0 |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("RecordMarkdown missing %q\n%s", want, md)
		}
	}
}

func TestRenderMarkdownEmpty(t *testing.T) {
	got, err := RenderMarkdownWithWidth("   ", 40)
	if err != nil || got != "" {
		t.Fatalf("RenderMarkdownWithWidth(blank) = %q, %v", got, err)
	}
}

func TestRenderMarkdownWraps(t *testing.T) {
	got, err := RenderMarkdownWithWidth("# Title\n\nsome body text", 5)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(got, "Title") {
		t.Errorf("rendered output missing heading: %q", got)
	}
}
