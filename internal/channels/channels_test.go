package channels

import (
	"errors"
	"testing"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

func fptr(v float64) *float64 { return &v }

func TestValidate_RequiredFields(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		msg  Message
		want string
	}{
		{"empty text is fine", KindCloud, Message{Type: domain.MessageTypeText}, ""},
		{"cloud template needs name", KindCloud, Message{Type: domain.MessageTypeTemplate}, "Template name is required"},
		{"session template may be empty", KindSession, Message{Type: domain.MessageTypeTemplate}, ""},
		{"cloud image needs url", KindCloud, Message{Type: domain.MessageTypeImage}, "Media URL is required"},
		{"session video needs path", KindSession, Message{Type: domain.MessageTypeVideo}, "Video file path is required"},
		{"cloud sticker", KindCloud, Message{Type: domain.MessageTypeSticker}, "Sticker URL is required"},
		{"session sticker", KindSession, Message{Type: domain.MessageTypeSticker}, "Sticker file path is required"},
		{"location missing longitude", KindCloud, Message{Type: domain.MessageTypeLocation, Latitude: fptr(1)}, "Latitude and longitude are required"},
		{"location at zero is valid", KindSession, Message{Type: domain.MessageTypeLocation, Latitude: fptr(0), Longitude: fptr(0)}, ""},
		{"contact needs vcard", KindSession, Message{Type: domain.MessageTypeContact}, "Contact vCard is required"},
		{"cloud unknown type", KindCloud, Message{Type: "poll"}, "Unsupported message type for Cloud API: poll"},
		{"session unknown type", KindSession, Message{Type: "poll"}, "Unsupported message type for session: poll"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.kind, &tc.msg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || err.Error() != tc.want {
				t.Fatalf("Expected %q, got %v", tc.want, err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("Expected error to match ErrValidation")
			}
		})
	}
}

func TestMimeType(t *testing.T) {
	if got := MimeType("/tmp/a.JPG", "image"); got != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", got)
	}
	if got := MimeType("clip.webm", "video"); got != "video/webm" {
		t.Errorf("Expected video/webm, got %s", got)
	}
	if got := MimeType("voice.opus", "audio"); got != "audio/opus" {
		t.Errorf("Expected fallback audio/opus, got %s", got)
	}
}

func TestResolveLocalPathAndRemote(t *testing.T) {
	if got := ResolveLocalPath("/srv/uploads", "/api/uploads/x.png"); got != "/srv/uploads/x.png" {
		t.Errorf("Expected /srv/uploads/x.png, got %s", got)
	}
	if !IsRemoteURL("https://cdn.example.com/a.png") {
		t.Errorf("Expected https URL to be remote")
	}
	if IsRemoteURL("/api/uploads/a.png") {
		t.Errorf("Expected uploads path to be local")
	}
}

func TestIsRateLimit(t *testing.T) {
	if !IsRateLimit(&RateLimitError{Status: 429, Msg: "slow down"}) {
		t.Errorf("Expected RateLimitError to be a rate limit")
	}
	if !IsRateLimit(errors.New("Rate limit hit")) {
		t.Errorf("Expected text match to be a rate limit")
	}
	if IsRateLimit(errors.New("boom")) || IsRateLimit(nil) {
		t.Errorf("Expected plain errors not to be rate limits")
	}
}
