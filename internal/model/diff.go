package model

// Diff lists the comparable fields that differ between the persisted
// channel and a freshly scraped record. ScrapedAt and bookkeeping
// timestamps are not content and never appear in the diff.
func Diff(prev ChannelRecord, next ChannelRecord) []FieldChange {
	var out []FieldChange
	add := func(field string, old, new any) {
		out = append(out, FieldChange{Field: field, Old: old, New: new})
	}

	if prev.Name != next.Name {
		add("name", prev.Name, next.Name)
	}
	if prev.Address != next.Address {
		add("address", prev.Address, next.Address)
	}
	if !equalFloat(prev.Latitude, next.Latitude) {
		add("latitude", derefFloat(prev.Latitude), derefFloat(next.Latitude))
	}
	if !equalFloat(prev.Longitude, next.Longitude) {
		add("longitude", derefFloat(prev.Longitude), derefFloat(next.Longitude))
	}
	if !equalString(prev.Phone, next.Phone) {
		add("phone", derefString(prev.Phone), derefString(next.Phone))
	}
	if !equalString(prev.ContactEmail, next.ContactEmail) {
		add("contactEmail", derefString(prev.ContactEmail), derefString(next.ContactEmail))
	}
	if prev.Region != next.Region {
		add("region", prev.Region, next.Region)
	}
	if prev.CountryState != next.CountryState {
		add("countryState", prev.CountryState, next.CountryState)
	}
	if prev.CountryCode != next.CountryCode {
		add("countryCode", prev.CountryCode, next.CountryCode)
	}
	if prev.PartnerType != next.PartnerType {
		add("partnerType", prev.PartnerType, next.PartnerType)
	}
	return out
}

// Snapshot lists every populated comparable field of rec as a change from
// null. Discovered events carry it so the history starts from a full record.
func Snapshot(rec ChannelRecord) []FieldChange {
	out := Diff(ChannelRecord{}, rec)
	for i := range out {
		out[i].Old = nil
	}
	return out
}

func equalFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// derefFloat and derefString turn nil into a JSON null inside diffs.
func derefFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
