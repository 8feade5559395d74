package scraper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"channelscope/channel-service/internal/model"
	"channelscope/channel-service/internal/region"
)

// envelope mirrors the partner-locator response. Older API revisions return
// "results" or "data"; the current one splits partners into "resellers"
// and "master_resellers". A nil field means the key was absent or null.
type envelope struct {
	Results         *[]json.RawMessage `json:"results"`
	Data            *[]json.RawMessage `json:"data"`
	Resellers       *[]json.RawMessage `json:"resellers"`
	MasterResellers *[]json.RawMessage `json:"master_resellers"`
}

// rawItem is one partner entry. Fields are untyped because the API is
// inconsistent: ids and coordinates arrive as numbers or strings.
type rawItem struct {
	ID          any `json:"id"`
	Name        any `json:"name"`
	Address     any `json:"address"`
	Latitude    any `json:"latitude"`
	Longitude   any `json:"longitude"`
	Phone       any `json:"phone"`
	Email       any `json:"email"`
	PartnerType any `json:"partner_type"`
}

// Parser turns raw API payloads into normalised channel records.
type Parser struct {
	catalogue *region.Catalogue
	logger    *slog.Logger
	now       func() time.Time
}

// NewParser constructs a Parser. Country codes are derived from catalogue.
func NewParser(catalogue *region.Catalogue, logger *slog.Logger) *Parser {
	return &Parser{
		catalogue: catalogue,
		logger:    logger.With(slog.String("component", "parser")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Parse decodes one country payload. Items missing id, name or address are
// logged and skipped; malformed JSON or a body without any partner list
// fails the whole payload. Source order is preserved.
func (p *Parser) Parse(payload []byte, r model.Region, countryState string) ([]model.ChannelRecord, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode payload for %s/%s: %w", r, countryState, err)
	}

	type sourced struct {
		raw         json.RawMessage
		partnerType model.PartnerType
	}
	var items []sourced
	switch {
	case env.Results != nil:
		for _, it := range *env.Results {
			items = append(items, sourced{raw: it})
		}
	case env.Data != nil:
		for _, it := range *env.Data {
			items = append(items, sourced{raw: it})
		}
	case env.Resellers != nil || env.MasterResellers != nil:
		if env.Resellers != nil {
			for _, it := range *env.Resellers {
				items = append(items, sourced{raw: it, partnerType: model.PartnerSimple})
			}
		}
		if env.MasterResellers != nil {
			for _, it := range *env.MasterResellers {
				items = append(items, sourced{raw: it, partnerType: model.PartnerMaster})
			}
		}
	default:
		// Error and throttling bodies land here. They are not an empty country.
		return nil, fmt.Errorf("decode payload for %s/%s: %w", r, countryState, ErrNoPartnerList)
	}

	scrapedAt := p.now()
	countryCode := p.catalogue.CountryCode(r, countryState)
	out := make([]model.ChannelRecord, 0, len(items))
	for i, it := range items {
		rec, err := p.convert(it.raw, it.partnerType)
		if err != nil {
			p.logger.Warn("skipping invalid partner entry",
				slog.String("region", string(r)),
				slog.String("country", countryState),
				slog.Int("index", i),
				slog.String("err", err.Error()),
			)
			continue
		}
		rec.Region = r
		rec.CountryState = countryState
		rec.CountryCode = countryCode
		rec.ScrapedAt = scrapedAt
		out = append(out, rec)
	}
	return out, nil
}

func (p *Parser) convert(raw json.RawMessage, forced model.PartnerType) (model.ChannelRecord, error) {
	var item rawItem
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&item); err != nil {
		return model.ChannelRecord{}, &ValidationError{Field: "item", Msg: err.Error()}
	}

	rec := model.ChannelRecord{
		ExternalID:   asString(item.ID),
		Name:         asString(item.Name),
		Address:      asString(item.Address),
		Latitude:     asCoordinate(item.Latitude, 90),
		Longitude:    asCoordinate(item.Longitude, 180),
		Phone:        optional(asString(item.Phone)),
		ContactEmail: optional(cleanEmail(asString(item.Email))),
		PartnerType:  forced,
	}
	if rec.PartnerType == "" {
		rec.PartnerType = ParsePartnerType(asString(item.PartnerType))
	}
	if err := ValidateRecord(rec); err != nil {
		return model.ChannelRecord{}, err
	}
	return rec, nil
}

// ValidateRecord checks the fields every channel must carry.
func ValidateRecord(rec model.ChannelRecord) error {
	switch {
	case strings.TrimSpace(rec.ExternalID) == "":
		return &ValidationError{Field: "externalId", Msg: "is required"}
	case strings.TrimSpace(rec.Name) == "":
		return &ValidationError{Field: "name", ExternalID: rec.ExternalID, Msg: "is required"}
	case strings.TrimSpace(rec.Address) == "":
		return &ValidationError{Field: "address", ExternalID: rec.ExternalID, Msg: "is required"}
	}
	return nil
}

// ParsePartnerType maps a raw partner type to master or simple (the default).
func ParsePartnerType(s string) model.PartnerType {
	if strings.EqualFold(strings.TrimSpace(s), string(model.PartnerMaster)) {
		return model.PartnerMaster
	}
	return model.PartnerSimple
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

// asCoordinate coerces a number or numeric string; unparsable or out of
// [-limit, limit] becomes nil.
func asCoordinate(v any, limit float64) *float64 {
	var f float64
	var err error
	switch t := v.(type) {
	case json.Number:
		f, err = t.Float64()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		f, err = strconv.ParseFloat(s, 64)
	case float64:
		f = t
	default:
		return nil
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < -limit || f > limit {
		return nil
	}
	return &f
}

func cleanEmail(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(s, "mailto:"))
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return ""
	}
	return s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
