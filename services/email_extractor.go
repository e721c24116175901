package services

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"

	"legal-rag-backend/models"
)

// signatureMarkers open an email signature block; everything from the marker
// line onwards is dropped from the body.
var signatureMarkers = []string{
	"-- ",
	"--\n",
	"Mit freundlichen Grüßen",
	"Mit freundlichen Gruessen",
	"Best regards",
	"Kind regards",
	"Viele Grüße",
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// EmailExtractor parses RFC 822 messages into structured metadata, a cleaned
// body, and decoded attachments. Attachments are extracted as metadata only.
type EmailExtractor struct{}

func NewEmailExtractor() *EmailExtractor {
	return &EmailExtractor{}
}

// Parse decodes headers, picks the best body part (text/plain preferred, html
// stripped as fallback), removes quoted replies and signatures, and decodes
// attachments.
func (e *EmailExtractor) Parse(data []byte) (*models.ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse email: %v", models.ErrCorruptInput, err)
	}

	dec := new(mime.WordDecoder)
	decodeHeader := func(v string) string {
		if decoded, err := dec.DecodeHeader(v); err == nil {
			return decoded
		}
		return v
	}

	parsed := &models.ParsedEmail{
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		From:      decodeHeader(msg.Header.Get("From")),
		Date:      msg.Header.Get("Date"),
		MessageID: msg.Header.Get("Message-ID"),
		InReplyTo: msg.Header.Get("In-Reply-To"),
	}

	for _, field := range []string{"To", "Cc"} {
		if addrs, err := msg.Header.AddressList(field); err == nil {
			for _, a := range addrs {
				parsed.Recipients = append(parsed.Recipients, a.Address)
			}
		}
	}

	if refs := msg.Header.Get("References"); refs != "" {
		parsed.References = strings.Fields(refs)
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if err := e.walkMultipart(msg.Body, params["boundary"], parsed); err != nil {
			return nil, err
		}
	} else {
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return nil, fmt.Errorf("failed to decode email body: %w", err)
		}
		if strings.HasPrefix(mediaType, "text/html") {
			parsed.Body = stripHTML(body)
		} else {
			parsed.Body = body
		}
	}

	parsed.Body = cleanBody(parsed.Body)
	return parsed, nil
}

// walkMultipart collects the best body candidate and the attachments across
// all (possibly nested) multipart levels.
func (e *EmailExtractor) walkMultipart(r io.Reader, boundary string, parsed *models.ParsedEmail) error {
	if boundary == "" {
		return fmt.Errorf("%w: multipart email without boundary", models.ErrCorruptInput)
	}

	mr := multipart.NewReader(r, boundary)
	var htmlFallback string

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: failed to read email part: %v", models.ErrCorruptInput, err)
		}

		partType, partParams, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))

		switch {
		case strings.HasPrefix(partType, "multipart/"):
			if err := e.walkMultipart(part, partParams["boundary"], parsed); err != nil {
				return err
			}

		case disposition == "attachment" || dispParams["filename"] != "" || partParams["name"] != "":
			filename := dispParams["filename"]
			if filename == "" {
				filename = partParams["name"]
			}
			data, err := decodeBodyBytes(part, part.Header.Get("Content-Transfer-Encoding"))
			if err != nil {
				continue
			}
			parsed.Attachments = append(parsed.Attachments, models.EmailAttachment{
				Filename:    filename,
				ContentType: partType,
				SizeBytes:   len(data),
				Data:        data,
			})

		case strings.HasPrefix(partType, "text/plain"):
			if parsed.Body == "" {
				body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
				if err == nil {
					parsed.Body = body
				}
			}

		case strings.HasPrefix(partType, "text/html"):
			if htmlFallback == "" {
				body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
				if err == nil {
					htmlFallback = body
				}
			}
		}
	}

	if parsed.Body == "" && htmlFallback != "" {
		parsed.Body = stripHTML(htmlFallback)
	}

	return nil
}

func decodeBody(r io.Reader, encoding string) (string, error) {
	data, err := decodeBodyBytes(r, encoding)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeBodyBytes(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	return io.ReadAll(r)
}

// cleanBody drops quoted reply lines and everything below a signature marker.
func cleanBody(body string) string {
	lines := strings.Split(body, "\n")
	var kept []string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, ">") {
			continue
		}

		isSignature := false
		for _, marker := range signatureMarkers {
			if strings.HasPrefix(line, marker) || trimmed == strings.TrimSpace(marker) {
				isSignature = true
				break
			}
		}
		if isSignature {
			break
		}

		kept = append(kept, line)
	}

	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func stripHTML(html string) string {
	text := htmlTagRe.ReplaceAllString(html, " ")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", `"`)
	return strings.Join(strings.Fields(text), " ")
}

// AsText formats the parsed email as a single extraction "page" for the
// downstream parser.
func (e *EmailExtractor) AsText(parsed *models.ParsedEmail) string {
	var b strings.Builder
	if parsed.Subject != "" {
		b.WriteString("Betreff: " + parsed.Subject + "\n")
	}
	if parsed.From != "" {
		b.WriteString("Von: " + parsed.From + "\n")
	}
	if len(parsed.Recipients) > 0 {
		b.WriteString("An: " + strings.Join(parsed.Recipients, ", ") + "\n")
	}
	if parsed.Date != "" {
		b.WriteString("Datum: " + parsed.Date + "\n")
	}
	b.WriteString("\n")
	b.WriteString(parsed.Body)
	return b.String()
}
