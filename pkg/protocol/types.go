// Package protocol defines the JSON wire types of the SPARQL 1.1 SE
// protocol: the frames exchanged over a subscription channel and the
// result documents returned by the query and update endpoints.
package protocol

import (
	"encoding/json"
	"fmt"
)

// SubscribeRequest asks the broker to open a subscription for a SPARQL
// query. Authorization carries the bearer token on secure channels.
type SubscribeRequest struct {
	Subscribe SubscribeBody `json:"subscribe"`
}

// SubscribeBody is the payload of a SubscribeRequest
type SubscribeBody struct {
	Sparql        string `json:"sparql"`
	Alias         string `json:"alias,omitempty"`
	Authorization string `json:"authorization,omitempty"`
}

// UnsubscribeRequest asks the broker to cancel an active subscription
type UnsubscribeRequest struct {
	Unsubscribe UnsubscribeBody `json:"unsubscribe"`
}

// UnsubscribeBody is the payload of an UnsubscribeRequest
type UnsubscribeBody struct {
	SPUID         string `json:"spuid"`
	Authorization string `json:"authorization,omitempty"`
}

// Subscribed is the broker acknowledgment of a subscribe request,
// carrying the broker-assigned subscription id
type Subscribed struct {
	SPUID string `json:"spuid"`
	Alias string `json:"alias,omitempty"`
}

// Notification carries one incremental result for an active subscription.
// Sequence is the broker-side emission counter; AddedResults and
// RemovedResults are SPARQL result sets holding the bindings that entered
// and left the query result since the previous notification.
type Notification struct {
	SPUID          string       `json:"spuid"`
	Sequence       int          `json:"sequence"`
	AddedResults   *QueryResult `json:"addedResults,omitempty"`
	RemovedResults *QueryResult `json:"removedResults,omitempty"`
}

// Unsubscribed is the broker acknowledgment of an unsubscribe request
type Unsubscribed struct {
	SPUID string `json:"spuid"`
}

// ErrorBody is an explicit error reported by the broker
type ErrorBody struct {
	SPUID      string `json:"spuid,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Title      string `json:"error,omitempty"`
	Detail     string `json:"error_description,omitempty"`
}

func (e *ErrorBody) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("broker error %d: %s: %s", e.StatusCode, e.Title, e.Detail)
	}
	return fmt.Sprintf("broker error %d: %s", e.StatusCode, e.Title)
}

// Message is one frame received on a subscription channel. Exactly one of
// the fields is set; Decode tells them apart by the member name the broker
// used.
type Message struct {
	Subscribed   *Subscribed   `json:"subscribed,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Unsubscribed *Unsubscribed `json:"unsubscribed,omitempty"`
	Error        *ErrorBody    `json:"error,omitempty"`
}

// Decode parses a raw frame from the broker into a Message. Frames whose
// member name is not part of the protocol decode into a zero Message;
// callers treat those as unknown and drop them.
func Decode(data []byte) (Message, error) {
	var raw struct {
		Subscribed   *Subscribed   `json:"subscribed"`
		Notification *Notification `json:"notification"`
		Unsubscribed *Unsubscribed `json:"unsubscribed"`
		Error        json.RawMessage `json:"error"`
		// older brokers nest the error object instead of inlining it
		StatusCode int    `json:"status_code"`
		Title      string `json:"error_description"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("undecodable frame: %w", err)
	}

	msg := Message{
		Subscribed:   raw.Subscribed,
		Notification: raw.Notification,
		Unsubscribed: raw.Unsubscribed,
	}
	if len(raw.Error) > 0 {
		var body ErrorBody
		if err := json.Unmarshal(raw.Error, &body); err != nil {
			// some brokers send the error member as a bare string
			var title string
			if err := json.Unmarshal(raw.Error, &title); err != nil {
				return Message{}, fmt.Errorf("undecodable error frame: %w", err)
			}
			body = ErrorBody{Title: title, StatusCode: raw.StatusCode, Detail: raw.Title}
		}
		msg.Error = &body
	}
	return msg, nil
}

// Term is a single RDF term inside a SPARQL JSON results binding
type Term struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
	Lang     string `json:"xml:lang,omitempty"`
}

// QueryResult is a SPARQL JSON results document
type QueryResult struct {
	Head    Head    `json:"head"`
	Results Results `json:"results"`
}

// Head lists the variables projected by the query
type Head struct {
	Vars []string `json:"vars"`
}

// Results holds the solution bindings, one map of variable name to term
// per solution
type Results struct {
	Bindings []map[string]Term `json:"bindings"`
}

// ParseQueryResult decodes a SPARQL JSON results document
func ParseQueryResult(data []byte) (*QueryResult, error) {
	var result QueryResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode query result: %w", err)
	}
	return &result, nil
}
