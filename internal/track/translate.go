package track

// -------------------------------------------------------------------------
// Reply Translation
// -------------------------------------------------------------------------

// FieldKind classifies how one positional reply field is rendered.
type FieldKind uint8

const (
	// FieldString passes the raw value through unchanged.
	FieldString FieldKind = iota

	// FieldInt passes the raw value through; the kind documents intent
	// and keeps the table self-describing.
	FieldInt

	// FieldBool renders 0/1 as no/yes.
	FieldBool

	// FieldEnum maps the raw value through the field's Enum table.
	FieldEnum
)

// ReplyField describes one positional field of a translated device reply.
type ReplyField struct {
	// Label is the human-readable field name.
	Label string

	// Kind selects the rendering rule.
	Kind FieldKind

	// Enum maps raw values to labels. Only consulted for FieldEnum;
	// values outside the map pass through raw.
	Enum map[string]string
}

// TranslatedField is one labelled, human-readable reply value.
type TranslatedField struct {
	Label string
	Value string
}

// replyTables maps device command names to their reply field layouts.
// A nil layout marks a command whose success reply carries no payload.
// Commands absent from this table are rejected unless raw dispatch is
// enabled, and their replies pass through verbatim.
var replyTables = map[string][]ReplyField{
	"IMEI": {
		{Label: "IMEI", Kind: FieldString},
	},
	"VER": {
		{Label: "Firmware version", Kind: FieldString},
	},
	"BAT": {
		{Label: "Battery voltage", Kind: FieldString},
		{Label: "Charging", Kind: FieldBool},
	},
	"STATUS": {
		{Label: "Battery voltage", Kind: FieldString},
		{Label: "Charging", Kind: FieldBool},
		{Label: "GSM signal", Kind: FieldInt},
		{Label: "GPS fix", Kind: FieldEnum, Enum: map[string]string{
			"0": "no fix",
			"1": "2D fix",
			"2": "3D fix",
		}},
		{Label: "Armed", Kind: FieldBool},
	},
	"LOC": {
		{Label: "Latitude", Kind: FieldString},
		{Label: "Longitude", Kind: FieldString},
		{Label: "Speed km/h", Kind: FieldInt},
		{Label: "Heading", Kind: FieldInt},
		{Label: "Satellites", Kind: FieldInt},
	},
	"GFEN": {
		{Label: "Geofence", Kind: FieldEnum, Enum: map[string]string{
			"0": "off",
			"1": "on",
		}},
		{Label: "Radius m", Kind: FieldInt},
	},
	"INT": {
		{Label: "Recording interval s", Kind: FieldInt},
	},
	"SLEEP": {
		{Label: "Sleep mode", Kind: FieldEnum, Enum: map[string]string{
			"0": "off",
			"1": "on",
			"2": "deep",
		}},
	},
	"SPEED": {
		{Label: "Speed limit km/h", Kind: FieldInt},
	},
	"ARM": {
		{Label: "Armed", Kind: FieldBool},
	},
	"APN": {
		{Label: "APN", Kind: FieldString},
	},
	"DLREC": {
		{Label: "Records downloaded", Kind: FieldInt},
	},
	"PIN":    nil,
	"RESET":  nil,
	"PWROFF": nil,
}

// deviceErrorTexts maps the numeric codes of $ERR replies to text.
var deviceErrorTexts = map[string]string{
	"1": "unknown command",
	"2": "bad arguments",
	"3": "device busy",
	"4": "not permitted",
	"5": "hardware fault",
	"6": "no GPS fix",
	"7": "storage full",
}

// KnownCommand reports whether name (upper case) is in the command
// table. Unknown names are refused when raw dispatch is disabled.
func KnownCommand(name string) bool {
	_, ok := replyTables[name]
	return ok
}

// TranslateReply maps a successful reply's positional values to
// labelled fields. It returns false when no translation applies: error
// replies, commands outside the table, or an argument count that does
// not match the table layout. Callers render such replies verbatim.
func TranslateReply(reply DeviceReply) ([]TranslatedField, bool) {
	if !reply.OK {
		return nil, false
	}

	layout, ok := replyTables[reply.Name]
	if !ok {
		return nil, false
	}
	if len(reply.Args) != len(layout) {
		return nil, false
	}

	fields := make([]TranslatedField, len(layout))
	for i, f := range layout {
		fields[i] = TranslatedField{
			Label: f.Label,
			Value: renderField(f, reply.Args[i]),
		}
	}
	return fields, true
}

// renderField applies one field's rendering rule to its raw value.
func renderField(f ReplyField, raw string) string {
	switch f.Kind {
	case FieldBool:
		switch raw {
		case "0":
			return "no"
		case "1":
			return "yes"
		}
		return raw

	case FieldEnum:
		if label, ok := f.Enum[raw]; ok {
			return label
		}
		return raw

	default:
		return raw
	}
}

// TranslateErrorCode returns the text for a device error code, or the
// empty string when the code is not in the table.
func TranslateErrorCode(code string) string {
	return deviceErrorTexts[code]
}
