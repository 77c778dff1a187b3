package brain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Recognized fact keys. Extraction maps anything else into an "other_"
// bucket so the facts table stays auditable.
const (
	FactUserName      = "user_name"
	FactFavoriteColor = "favorite_color"
	FactFavoriteFood  = "favorite_food"
	FactLocation      = "location"
	FactAge           = "age"
	FactHobby         = "hobby"
)

// factPattern binds one recognized key to its extraction regex. The first
// capture group is the value.
type factPattern struct {
	key string
	re  *regexp.Regexp
}

var factPatterns = []factPattern{
	// Extra name words attach only when capitalized, so trailing clauses
	// ("... and I live in ...") don't get swallowed.
	{FactUserName, regexp.MustCompile(`(?i:\bmy name is )([A-Za-z][a-zA-Z'-]*(?: [A-Z][a-zA-Z'-]*)*)`)},
	{FactUserName, regexp.MustCompile(`(?i:\bcall me )([A-Za-z][a-zA-Z'-]*(?: [A-Z][a-zA-Z'-]*)*)`)},
	{FactFavoriteColor, regexp.MustCompile(`(?i)\bmy favou?rite colou?r is (\w+)`)},
	{FactFavoriteFood, regexp.MustCompile(`(?i)\bmy favou?rite food is ([a-zA-Z][a-zA-Z ]*[a-zA-Z])`)},
	{FactLocation, regexp.MustCompile(`(?i)\bi live in ([a-zA-Z][a-zA-Z ]*[a-zA-Z])`)},
	{FactLocation, regexp.MustCompile(`(?i)\bi(?:'m| am) from ([a-zA-Z][a-zA-Z ]*[a-zA-Z])`)},
	{FactAge, regexp.MustCompile(`(?i)\bi(?:'m| am) (\d{1,3}) years old`)},
	{FactHobby, regexp.MustCompile(`(?i)\bi (?:really )?(?:like|love|enjoy) ([a-zA-Z][a-zA-Z ]*[a-zA-Z])`)},
}

// otherFact catches "my <key> is <value>" statements outside the recognized
// vocabulary; they land in the other_ bucket.
var otherFact = regexp.MustCompile(`(?i)\bmy (\w+) is ([a-zA-Z0-9][a-zA-Z0-9 ]*[a-zA-Z0-9])`)

var recognizedOtherKeys = map[string]bool{
	"name": true, "favourite": true, "favorite": true,
}

// ExtractFacts pulls key→value facts from raw message text. Pure function:
// same text, same result. May return an empty map.
func ExtractFacts(text string) map[string]string {
	facts := make(map[string]string)

	for _, p := range factPatterns {
		if _, done := facts[p.key]; done {
			continue
		}
		if m := p.re.FindStringSubmatch(text); m != nil {
			facts[p.key] = normalizeFactValue(m[1])
		}
	}

	for _, m := range otherFact.FindAllStringSubmatch(text, -1) {
		key := strings.ToLower(m[1])
		if recognizedOtherKeys[key] {
			continue // already handled by the vocabulary patterns
		}
		facts["other_"+key] = normalizeFactValue(m[2])
	}

	return facts
}

func normalizeFactValue(v string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(v), ".,!?"))
}

// UserFacts returns all known facts for a user.
func (b *Brain) UserFacts(userID string) (map[string]string, error) {
	rows, err := b.db.Query("SELECT key, value FROM facts WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("get user facts: %w", err)
	}
	defer rows.Close()

	facts := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts[k] = v
	}
	return facts, rows.Err()
}

// SaveUserFact upserts one fact. Last write for a (user, key) pair wins.
func (b *Brain) SaveUserFact(userID, key, value string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := b.db.Exec(
		`INSERT INTO facts (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, now,
	)
	if err != nil {
		return fmt.Errorf("save fact %s: %w", key, err)
	}
	return nil
}
