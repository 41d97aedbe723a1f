package schedule

import (
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/wolfeidau/wadispatch/internal/models"
)

// recipients are stored comma joined, so a number may not contain one
var numberPattern = regexp.MustCompile(`^[^,]+$`)

// Request asks for a message to be sent to the same recipients once a day.
type Request struct {
	StartDate string   `json:"startDate"`
	EndDate   string   `json:"endDate"`
	Time      string   `json:"time"`
	Numbers   []string `json:"numbers"`
	Message   string   `json:"message"`
}

// Validate checks field formats. It does not check that the range is
// non-empty; an inverted range simply schedules nothing.
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.StartDate, validation.Required, validation.Date(DateLayout)),
		validation.Field(&r.EndDate, validation.Required, validation.Date(DateLayout)),
		validation.Field(&r.Time, validation.Required, validation.Date(TimeOfDayLayout)),
		validation.Field(&r.Numbers, validation.Required, validation.Each(
			validation.Required,
			validation.Match(numberPattern).Error("must not contain a comma"),
		)),
		validation.Field(&r.Message, validation.Required),
	)
}

// Messages validates the request and expands it into one unsent record per
// day, owned by the session handle.
func (r Request) Messages(handle string, loc *time.Location) ([]models.ScheduledMessage, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	start, err := ParseDate(r.StartDate, loc)
	if err != nil {
		return nil, err
	}
	end, err := ParseDate(r.EndDate, loc)
	if err != nil {
		return nil, err
	}
	at, err := ParseTimeOfDay(r.Time)
	if err != nil {
		return nil, err
	}

	recipient := strings.Join(r.Numbers, models.RecipientSeparator)

	var out []models.ScheduledMessage
	for ts := range Expand(start, end, at, loc) {
		out = append(out, models.ScheduledMessage{
			SessionID: handle,
			Message:   r.Message,
			SendAt:    ts,
			Recipient: recipient,
		})
	}

	return out, nil
}
