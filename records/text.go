package records

import (
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rivo/uniseg"
	"golang.org/x/text/unicode/norm"
)

// Counts user-perceived characters (grapheme clusters), the unit free-text limits are expressed in.
func GraphemeLength(s string) int {
	gr := uniseg.NewGraphemes(s)
	n := 0
	for gr.Next() {
		n++
	}
	return n
}

// NFC form with surrounding whitespace trimmed. Two texts which normalize the same are the same text.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// "maxgraphemes=N" struct tag
func validateMaxGraphemes(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return GraphemeLength(fl.Field().String()) <= limit
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("maxgraphemes", validateMaxGraphemes); err != nil {
		panic(err)
	}
	return v
}
