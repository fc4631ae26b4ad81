// Package receipt renders the immutable record created on entry to
// COMPLETED. Rendering is deferred to request time and
// deterministic from the stored payload: the same Receipt always produces
// the same QR payload, so re-renders never drift from what was signed.
package receipt

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"time"

	"github.com/google/uuid"

	"lightning-mpesa-bridge/internal/database"
)

// Payload is the deterministic JSON body stored on the Receipt row.
type Payload struct {
	ReceiptID    string    `json:"receipt_id"`
	TxID         string    `json:"tx_id"`
	Flow         database.Flow `json:"flow"`
	PaymentHash  string    `json:"payment_hash"`
	TotalKes     float64   `json:"total_kes"`
	MpesaReceipt string    `json:"mpesa_receipt"`
	CreatedAt    time.Time `json:"created_at"`
}

// qrPayload is the smaller, third-party-verifiable payload embedded in the
// QR code: just enough to prove authenticity without a round trip to the
// bridge.
type qrPayload struct {
	ReceiptID   string  `json:"receipt_id"`
	PaymentHash string  `json:"payment_hash"`
	TotalKes    float64 `json:"total_kes"`
	Ts          int64   `json:"ts"`
}

// Generator builds Receipt rows and verifies previously-issued QR payloads.
type Generator struct {
	hmacSecret []byte
}

// NewGenerator builds a Generator keyed on the configured HMAC secret
// (RECEIPT_HMAC_SECRET).
func NewGenerator(hmacSecret []byte) *Generator {
	return &Generator{hmacSecret: hmacSecret}
}

// Generate builds the Receipt for tx, which must already be COMPLETED.
// For a transaction in any other state it returns an error and builds
// nothing.
func (g *Generator) Generate(tx *database.Transaction) (*database.Receipt, error) {
	if tx.State != database.StateCompleted {
		return nil, fmt.Errorf("receipt: cannot generate for non-completed transaction %s (state=%s)", tx.ID, tx.State)
	}

	mpesaReceipt := ""
	if tx.MpesaReceipt != nil {
		mpesaReceipt = *tx.MpesaReceipt
	}

	receiptID := uuid.NewString()
	createdAt := tx.UpdatedAt

	payload := Payload{
		ReceiptID:    receiptID,
		TxID:         tx.ID,
		Flow:         tx.Flow,
		PaymentHash:  tx.PaymentHash,
		TotalKes:     tx.GetKES(),
		MpesaReceipt: mpesaReceipt,
		CreatedAt:    createdAt,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("receipt: marshal payload: %w", err)
	}

	qr, err := g.signQR(qrPayload{
		ReceiptID:   receiptID,
		PaymentHash: tx.PaymentHash,
		TotalKes:    tx.GetKES(),
		Ts:          createdAt.Unix(),
	})
	if err != nil {
		return nil, err
	}

	return &database.Receipt{
		ID:        receiptID,
		TxID:      tx.ID,
		Payload:   string(payloadJSON),
		QRPayload: qr,
		CreatedAt: createdAt,
	}, nil
}

// signQR base64url-encodes the payload JSON with an HMAC-SHA256 tag
// appended, so a verifier with the shared secret can check authenticity
// offline.
func (g *Generator) signQR(p qrPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("receipt: marshal qr payload: %w", err)
	}
	mac := hmac.New(sha256.New, g.hmacSecret)
	mac.Write(body)
	tag := mac.Sum(nil)

	envelope := struct {
		Payload json.RawMessage `json:"payload"`
		Tag     string          `json:"tag"`
	}{
		Payload: body,
		Tag:     base64.RawURLEncoding.EncodeToString(tag),
	}
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("receipt: marshal qr envelope: %w", err)
	}
	return base64.URLEncoding.EncodeToString(envelopeJSON), nil
}

// ErrInvalidSignature is returned by Verify when the QR payload's HMAC tag
// does not match.
var ErrInvalidSignature = fmt.Errorf("receipt: qr payload signature is invalid")

// Verify checks a previously issued QR payload's authenticity and returns
// the decoded fields on success. This is the operation a third party (a
// merchant's till, a support agent) performs without contacting the bridge.
func (g *Generator) Verify(qr string) (receiptID, paymentHash string, totalKes float64, ts int64, err error) {
	raw, err := base64.URLEncoding.DecodeString(qr)
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("receipt: decode qr payload: %w", err)
	}

	var envelope struct {
		Payload json.RawMessage `json:"payload"`
		Tag     string          `json:"tag"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", "", 0, 0, fmt.Errorf("receipt: decode qr envelope: %w", err)
	}

	tag, err := base64.RawURLEncoding.DecodeString(envelope.Tag)
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("receipt: decode qr tag: %w", err)
	}

	mac := hmac.New(sha256.New, g.hmacSecret)
	mac.Write(envelope.Payload)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, tag) {
		return "", "", 0, 0, ErrInvalidSignature
	}

	var p qrPayload
	if err := json.Unmarshal(envelope.Payload, &p); err != nil {
		return "", "", 0, 0, fmt.Errorf("receipt: decode qr fields: %w", err)
	}
	return p.ReceiptID, p.PaymentHash, p.TotalKes, p.Ts, nil
}

// ErrUnsupportedFormat is returned by Render for any format other than
// "html" or "pdf".
var ErrUnsupportedFormat = fmt.Errorf("receipt: unsupported render format")

var htmlTemplate = template.Must(template.New("receipt").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Receipt {{.ReceiptID}}</title></head>
<body>
<h1>Lightning-to-M-Pesa receipt</h1>
<table>
<tr><td>Receipt ID</td><td>{{.ReceiptID}}</td></tr>
<tr><td>Flow</td><td>{{.Flow}}</td></tr>
<tr><td>Payment hash</td><td>{{.PaymentHash}}</td></tr>
<tr><td>Amount (KES)</td><td>{{printf "%.2f" .TotalKes}}</td></tr>
<tr><td>M-Pesa receipt</td><td>{{.MpesaReceipt}}</td></tr>
<tr><td>Date</td><td>{{.CreatedAt}}</td></tr>
</table>
</body></html>
`))

// Render reproduces a human-presentable form of r, deterministically from
// its stored payload: the same Receipt row always renders the same bytes,
// so a re-render never drifts from what was signed at Generate time.
// format is "html" or "pdf"; anything else is ErrUnsupportedFormat.
func (g *Generator) Render(r *database.Receipt, format string) ([]byte, string, error) {
	var p Payload
	if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
		return nil, "", fmt.Errorf("receipt: decode stored payload: %w", err)
	}

	switch format {
	case "html":
		var buf bytes.Buffer
		if err := htmlTemplate.Execute(&buf, p); err != nil {
			return nil, "", fmt.Errorf("receipt: render html: %w", err)
		}
		return buf.Bytes(), "text/html; charset=utf-8", nil
	case "pdf":
		return renderPDF(p), "application/pdf", nil
	default:
		return nil, "", ErrUnsupportedFormat
	}
}

// renderPDF assembles a minimal single-page PDF by hand: a handful of
// fixed objects plus one content stream drawing the receipt fields as
// left-aligned text lines, with no external dependency. This is the same
// tradeoff the bridge makes wherever no library in the example corpus
// covers a concern: the simplest correct stdlib-only implementation,
// not a feature-complete renderer.
func renderPDF(p Payload) []byte {
	lines := []string{
		"Lightning-to-M-Pesa receipt",
		fmt.Sprintf("Receipt ID: %s", p.ReceiptID),
		fmt.Sprintf("Flow: %s", p.Flow),
		fmt.Sprintf("Payment hash: %s", p.PaymentHash),
		fmt.Sprintf("Amount (KES): %.2f", p.TotalKes),
		fmt.Sprintf("M-Pesa receipt: %s", p.MpesaReceipt),
		fmt.Sprintf("Date: %s", p.CreatedAt.Format(time.RFC3339)),
	}

	var content bytes.Buffer
	content.WriteString("BT /F1 12 Tf 50 750 Td 16 TL\n")
	for _, line := range lines {
		content.WriteString("(")
		content.WriteString(pdfEscape(line))
		content.WriteString(") Tj T*\n")
	}
	content.WriteString("ET")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /Resources << /Font << /F1 4 0 R >> >> /MediaBox [0 0 612 792] /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects)+1)
	for i, obj := range objects {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xrefStart := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= len(objects); i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF", len(objects)+1, xrefStart)

	return buf.Bytes()
}

func pdfEscape(s string) string {
	var out []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', ')', '\\':
			out = append(out, '\\', s[i])
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
