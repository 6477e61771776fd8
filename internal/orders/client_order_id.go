package orders

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxClientOrderIDLength is the maximum length allowed by Binance
	MaxClientOrderIDLength = 36

	// ClientOrderIDPrefix marks orders placed by this bot.
	ClientOrderIDPrefix = "MB"

	shortIDLength = 8
)

// Errors for client order ID operations
var (
	ErrClientOrderIDTooLong = errors.New("client order ID exceeds maximum length of 36 characters")
	ErrInvalidClientOrderID = errors.New("invalid client order ID format")
	ErrInvalidLegType       = errors.New("invalid order leg type")
	ErrEmptyPositionID      = errors.New("position ID cannot be empty")
)

// Format: MB-<first 8 chars of position id>-<leg>, e.g. "MB-3f2a9c1d-TP"
var clientOrderIDRegex = regexp.MustCompile(`^MB-([a-z0-9]{8})-(E|TP|SL|X)$`)

// ParsedOrderID contains the components of a bot client order id.
type ParsedOrderID struct {
	ShortID string  // first 8 characters of the position id
	Leg     LegType // E, TP, SL or X
	Raw     string
}

// GenerateClientOrderID builds the client order id for one leg of a position.
// Dashes are stripped from the position id before truncation so uuids keep
// their leading 8 hex characters.
func GenerateClientOrderID(positionID string, leg LegType) (string, error) {
	if positionID == "" {
		return "", ErrEmptyPositionID
	}
	if !leg.Valid() {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidLegType, leg)
	}

	short := ShortID(positionID)
	if len(short) < shortIDLength {
		return "", fmt.Errorf("%w: position id '%s' is shorter than %d characters", ErrInvalidClientOrderID, positionID, shortIDLength)
	}

	id := fmt.Sprintf("%s-%s-%s", ClientOrderIDPrefix, short, leg)
	if len(id) > MaxClientOrderIDLength {
		return "", fmt.Errorf("%w: generated ID '%s' is %d characters", ErrClientOrderIDTooLong, id, len(id))
	}
	return id, nil
}

// ShortID normalizes a position id to the 8 characters embedded in its orders.
func ShortID(positionID string) string {
	s := strings.ToLower(strings.ReplaceAll(positionID, "-", ""))
	if len(s) > shortIDLength {
		s = s[:shortIDLength]
	}
	return s
}

// ParseClientOrderID parses a bot client order id.
// Returns nil if the id was not placed by this bot.
func ParseClientOrderID(id string) *ParsedOrderID {
	m := clientOrderIDRegex.FindStringSubmatch(id)
	if m == nil {
		return nil
	}
	return &ParsedOrderID{ShortID: m[1], Leg: LegType(m[2]), Raw: id}
}

// ValidateClientOrderID validates that a client order ID meets Binance requirements
// and carries the bot format.
func ValidateClientOrderID(id string) error {
	if id == "" {
		return ErrInvalidClientOrderID
	}
	if len(id) > MaxClientOrderIDLength {
		return fmt.Errorf("%w: ID '%s' is %d characters (max %d)", ErrClientOrderIDTooLong, id, len(id), MaxClientOrderIDLength)
	}
	if ParseClientOrderID(id) == nil {
		return fmt.Errorf("%w: '%s'", ErrInvalidClientOrderID, id)
	}
	return nil
}

// IsBotOrder reports whether a client order id was placed by this bot.
func IsBotOrder(clientOrderID string) bool {
	return strings.HasPrefix(clientOrderID, ClientOrderIDPrefix+"-")
}

// BelongsTo reports whether the client order id is a leg of positionID.
func BelongsTo(clientOrderID, positionID string) bool {
	p := ParseClientOrderID(clientOrderID)
	return p != nil && p.ShortID == ShortID(positionID)
}
