package template

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
)

// AllRecipients keys a failure that cannot be attributed to one recipient.
const AllRecipients = "all"

var lineSplitter = regexp.MustCompile(`\r?\n`)

// Response declares how a provider reports success, failures and message ids.
type Response struct {
	SuccessStatus                       string `json:"successStatus"`
	SuccessResponse                     string `json:"successResponse"`
	MultiLineRecipientResponse          bool   `json:"multiLineRecipientResponse"`
	SingleRecipientResponse             bool   `json:"singleRecipientResponse"`
	ExtractSuccessMessageIDAndRecipient string `json:"extractSuccessMessageIdAndRecipient"`
	ExtractFailureMessageAndRecipient   string `json:"extractFailureMessageAndRecipient"`
	ExtractSingleSuccessMessageID       string `json:"extractSingleSuccessMessageId"`
	ExtractSingleFailureMessage         string `json:"extractSingleFailureMessage"`
	ExtractGeneralFailureMessage        string `json:"extractGeneralFailureMessage"`
	HeaderMessageID                     string `json:"headerMessageId"`

	successStatus   *regexp.Regexp
	successResponse *regexp.Regexp
	successPair     *regexp.Regexp
	failurePair     *regexp.Regexp
	singleSuccess   *regexp.Regexp
	singleFailure   *regexp.Regexp
	generalFailure  *regexp.Regexp
}

// RecipientResult is the interpreted outcome for one recipient, or for
// AllRecipients when a response line could not be parsed.
type RecipientResult struct {
	Recipient     string
	MessageID     string
	Delivered     bool
	FailureReason string
	Kind          domain.FailureKind
}

// Outcome is the interpreted provider response. GeneralFailure is set when the
// whole call failed and no per-recipient results are available.
type Outcome struct {
	Results        []RecipientResult
	GeneralFailure string
	GeneralKind    domain.FailureKind
}

func (o Outcome) HasGeneralFailure() bool {
	return o.GeneralFailure != ""
}

func (r *Response) compile() error {
	var err error
	if r.successStatus, err = compilePattern("successStatus", r.SuccessStatus, 0, true); err != nil {
		return err
	}
	if r.successResponse, err = compilePattern("successResponse", r.SuccessResponse, 0, false); err != nil {
		return err
	}
	if r.successPair, err = compilePattern("extractSuccessMessageIdAndRecipient", r.ExtractSuccessMessageIDAndRecipient, 2, false); err != nil {
		return err
	}
	if r.failurePair, err = compilePattern("extractFailureMessageAndRecipient", r.ExtractFailureMessageAndRecipient, 2, false); err != nil {
		return err
	}
	if r.singleSuccess, err = compilePattern("extractSingleSuccessMessageId", r.ExtractSingleSuccessMessageID, 1, false); err != nil {
		return err
	}
	if r.singleFailure, err = compilePattern("extractSingleFailureMessage", r.ExtractSingleFailureMessage, 1, false); err != nil {
		return err
	}
	if r.generalFailure, err = compilePattern("extractGeneralFailureMessage", r.ExtractGeneralFailureMessage, 1, false); err != nil {
		return err
	}

	if r.MultiLineRecipientResponse {
		if r.successPair == nil && !(r.SingleRecipientResponse && r.singleSuccess != nil) {
			return fmt.Errorf("multi-line response needs extractSuccessMessageIdAndRecipient or a single-recipient extractor")
		}
	}
	if r.SingleRecipientResponse && r.singleSuccess == nil {
		return fmt.Errorf("singleRecipientResponse needs extractSingleSuccessMessageId")
	}
	return nil
}

// Accepts reports whether the provider accepted the call. Without a declared
// successStatus only HTTP 200 counts as accepted.
func (r *Response) Accepts(status int) bool {
	if r.successStatus != nil {
		return r.successStatus.MatchString(strconv.Itoa(status))
	}
	return status == http.StatusOK
}

// Interpret classifies a provider response for the given recipients.
func (r *Response) Interpret(recipients []string, status int, body string, header http.Header) Outcome {
	if !r.Accepts(status) {
		reason, ok := extractOne(r.generalFailure, body)
		if !ok {
			reason = strings.TrimSpace(body)
		}
		if reason == "" {
			reason = fmt.Sprintf("provider returned HTTP %d", status)
		}
		return Outcome{GeneralFailure: reason, GeneralKind: domain.FailureRejected}
	}

	if r.MultiLineRecipientResponse {
		return r.interpretLines(recipients, body)
	}

	if r.successResponse != nil && !r.successResponse.MatchString(body) {
		reason, ok := extractOne(r.singleFailure, body)
		if !ok {
			reason = strings.TrimSpace(body)
		}
		if reason == "" {
			reason = "provider response did not match successResponse"
		}
		return Outcome{GeneralFailure: reason, GeneralKind: domain.FailureRejected}
	}

	messageID := ""
	switch {
	case r.HeaderMessageID != "":
		messageID = strings.TrimSpace(header.Get(r.HeaderMessageID))
	case r.singleSuccess != nil:
		messageID, _ = extractOne(r.singleSuccess, body)
	}

	results := make([]RecipientResult, 0, len(recipients))
	for _, recipient := range recipients {
		results = append(results, RecipientResult{
			Recipient: recipient,
			MessageID: messageID,
			Delivered: true,
		})
	}
	return Outcome{Results: results}
}

func (r *Response) interpretLines(recipients []string, body string) Outcome {
	var results []RecipientResult
	single := len(recipients) == 1 && r.SingleRecipientResponse

	for _, line := range lineSplitter.Split(body, -1) {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if single {
			if id, ok := extractOne(r.singleSuccess, line); ok {
				results = append(results, RecipientResult{Recipient: recipients[0], MessageID: id, Delivered: true})
				continue
			}
			reason, ok := extractOne(r.singleFailure, line)
			if !ok {
				reason = strings.TrimSpace(line)
			}
			results = append(results, RecipientResult{
				Recipient:     recipients[0],
				FailureReason: reason,
				Kind:          domain.FailureRejected,
			})
			continue
		}

		if id, recipient, ok := extractPair(r.successPair, line); ok {
			results = append(results, RecipientResult{Recipient: recipient, MessageID: id, Delivered: true})
			continue
		}
		if reason, recipient, ok := extractPair(r.failurePair, line); ok {
			results = append(results, RecipientResult{
				Recipient:     recipient,
				FailureReason: reason,
				Kind:          domain.FailureRejected,
			})
			continue
		}
		results = append(results, RecipientResult{
			Recipient:     AllRecipients,
			FailureReason: line,
			Kind:          domain.FailureUnparseable,
		})
	}

	if len(results) == 0 {
		return Outcome{GeneralFailure: "provider returned an empty response", GeneralKind: domain.FailureUnparseable}
	}
	return Outcome{Results: results}
}

func extractOne(re *regexp.Regexp, s string) (string, bool) {
	if re == nil {
		return "", false
	}
	m := re.FindStringSubmatch(s)
	if m == nil || len(m) < 2 {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func extractPair(re *regexp.Regexp, s string) (string, string, bool) {
	if re == nil {
		return "", "", false
	}
	m := re.FindStringSubmatch(s)
	if m == nil || len(m) < 3 {
		return "", "", false
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
}
