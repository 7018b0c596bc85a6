package session

import (
	"testing"

	ical "github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		userAgent string
		expected  Client
	}{
		{
			name:      "empty UA",
			userAgent: "",
			expected:  ClientGeneric,
		},
		{
			name:      "curl",
			userAgent: "curl/8.4.0",
			expected:  ClientGeneric,
		},
		{
			name:      "Thunderbird without Lightning",
			userAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:102.0) Gecko/20100101 Thunderbird/102.6.0",
			expected:  ClientThunderbird,
		},
		{
			name:      "Lightning wins over Thunderbird",
			userAgent: "Mozilla/5.0 (X11; Linux x86_64) Thunderbird/102.6.0 Lightning/102.6.0",
			expected:  ClientLightning,
		},
		{
			name:      "iOS calendar",
			userAgent: "iOS/17.1 (21B74) dataaccessd/1.0",
			expected:  ClientIOS,
		},
		{
			name:      "dataaccessd alone",
			userAgent: "DataAccessd/1.0",
			expected:  ClientIOS,
		},
		{
			name:      "Mac iCal",
			userAgent: "iCal/5.0.2 (1571) CalendarStore/5.0.2",
			expected:  ClientApple,
		},
		{
			name:      "Mac CalendarAgent",
			userAgent: "Mac OS X/10.15.7 (19H2) CalendarAgent/954",
			expected:  ClientApple,
		},
		{
			name:      "Mac AddressBook",
			userAgent: "AddressBook/2452 CFNetwork/1410 Mac OS X/13.6",
			expected:  ClientApple,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.userAgent))
		})
	}
}

func TestAppleFamily(t *testing.T) {
	assert.True(t, ClientApple.AppleFamily())
	assert.True(t, ClientIOS.AppleFamily())
	assert.False(t, ClientThunderbird.AppleFamily())
	assert.False(t, ClientLightning.AppleFamily())
	assert.False(t, ClientGeneric.AppleFamily())
}

func TestCalendarCacheIsKeyedByUID(t *testing.T) {
	s := New("alice", "secret", "")
	cal := ical.NewCalendar()

	s.CacheCalendar("e1", cal)
	assert.Same(t, cal, s.CachedCalendar("e1"))
	assert.Nil(t, s.CachedCalendar("e2"))

	other := ical.NewCalendar()
	s.CacheCalendar("e2", other)
	assert.Nil(t, s.CachedCalendar("e1"))
	assert.Same(t, other, s.CachedCalendar("e2"))
}

func TestTakeRedirectClears(t *testing.T) {
	s := New("alice", "secret", "")
	assert.Empty(t, s.TakeRedirect())

	s.SetRedirect("e2.ics")
	assert.Equal(t, "e2.ics", s.TakeRedirect())
	assert.Empty(t, s.TakeRedirect())
}
