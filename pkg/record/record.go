// Package record defines the captured exchange that flows from the
// interceptor to the store and on to the collectors.
package record

// DeliveryState tracks whether a persisted exchange has been accepted by the
// batch collector.
type DeliveryState int

const (
	Pending DeliveryState = iota
	Delivered
)

func (s DeliveryState) String() string {
	if s == Delivered {
		return "delivered"
	}
	return "pending"
}

// Exchange is one observed request together with its response or failure.
//
// Once handed to a store an Exchange is treated as immutable; only State
// changes. Empty strings and a zero ResponseCode mean "absent".
type Exchange struct {
	ID              int64             `json:"id,omitempty"`
	Timestamp       int64             `json:"timestamp"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	RequestBody     string            `json:"requestBody,omitempty"`
	ResponseCode    int               `json:"responseCode,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	Duration        int64             `json:"duration"`
	UserID          string            `json:"userId,omitempty"`
	Properties      map[string]string `json:"properties"`
	State           DeliveryState     `json:"-"`
}

// Failed reports whether the downstream call produced no response.
func (e *Exchange) Failed() bool {
	return e.ResponseCode == 0
}

// Clone returns a deep copy so the caller can hand the record to another
// goroutine without sharing maps.
func (e *Exchange) Clone() *Exchange {
	if e == nil {
		return nil
	}
	c := *e
	c.RequestHeaders = copyMap(e.RequestHeaders)
	c.ResponseHeaders = copyMap(e.ResponseHeaders)
	c.Properties = copyMap(e.Properties)
	return &c
}

// IDs collects the store identifiers of a page of exchanges.
func IDs(exchanges []*Exchange) []int64 {
	ids := make([]int64, 0, len(exchanges))
	for _, e := range exchanges {
		if e.ID != 0 {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	ret := make(map[string]string, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}
