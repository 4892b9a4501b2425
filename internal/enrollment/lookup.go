package enrollment

import (
	"sort"

	"github.com/onnwee/boxoffice/internal/validate"
)

// FindTicket locates the ticket for phone. Keys are tried in three stages:
// the exact key, the normalized last-10-digit form, then every stored key
// compared by its normalized form. It returns the stored key.
func (e *Enrollment) FindTicket(phone string) (string, *Ticket, bool) {
	if t, ok := e.Tickets[phone]; ok {
		return phone, t, true
	}

	norm := validate.PhoneKey(phone)
	if norm == "" {
		return "", nil, false
	}
	if t, ok := e.Tickets[norm]; ok {
		return norm, t, true
	}

	// Sorted so duplicate legacy keys resolve deterministically.
	keys := make([]string, 0, len(e.Tickets))
	for k := range e.Tickets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if validate.PhoneKey(k) == norm {
			return k, e.Tickets[k], true
		}
	}
	return "", nil, false
}
