package usps

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// The service is loose about scalar types: ids and distances come back as
// either strings or numbers depending on the endpoint.

type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(string(s), " mi"), 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	*f = flexFloat(v)
	return nil
}

type facilitySearchRequest struct {
	Date           string `json:"date"`
	City           string `json:"city"`
	State          string `json:"state"`
	Zip5           string `json:"zip5"`
	Radius         string `json:"radius"`
	POScheduleType string `json:"poScheduleType"`
	NumberOfAdults string `json:"numberOfAdults"`
	NumberOfMinors string `json:"numberOfMinors"`
}

type facilitySearchResponse struct {
	FacilityDetails *[]facilityDetail `json:"facilityDetails"`
}

type facilityDetail struct {
	FdbID     flexString `json:"fdbId"`
	Name      string     `json:"name"`
	Distance  flexFloat  `json:"distance"`
	Latitude  flexFloat  `json:"latitude"`
	Longitude flexFloat  `json:"longitude"`
	Address   struct {
		AddressLineOne string `json:"addressLineOne"`
		City           string `json:"city"`
		State          string `json:"state"`
		PostalCode     string `json:"postalCode"`
	} `json:"address"`
	Date []struct {
		Date   string `json:"date"`
		Status bool   `json:"status"`
	} `json:"date"`
}

type timeSearchRequest struct {
	Date               string   `json:"date"`
	FdbID              []string `json:"fdbId"`
	ProductType        string   `json:"productType"`
	NumberOfAdults     string   `json:"numberOfAdults"`
	NumberOfMinors     string   `json:"numberOfMinors"`
	SkipEndOfDayRecord bool     `json:"skipEndOfDayRecord"`
}

type timeSearchResponse struct {
	Times *[]timeDetail `json:"appointmentTimeDetailExtended"`
}

type timeDetail struct {
	StartDateTime string `json:"startDateTime"`
	EndDateTime   string `json:"endDateTime"`
	Selectable    *bool  `json:"selectable"`
	TimeSlotToken string `json:"timeSlotToken"`
}

type holdRequest struct {
	FdbID          string `json:"fdbId"`
	Date           string `json:"date"`
	StartDateTime  string `json:"startDateTime"`
	ProductType    string `json:"productType"`
	NumberOfAdults string `json:"numberOfAdults"`
	NumberOfMinors string `json:"numberOfMinors"`
	TimeSlotToken  string `json:"timeSlotToken"`
}

type holdResponse struct {
	HoldToken string `json:"holdToken"`
	ExpiresAt string `json:"expiresAt"`
}

type confirmRequest struct {
	HoldToken string `json:"holdToken"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

type confirmResponse struct {
	ConfirmationNumber string `json:"confirmationNumber"`
}
