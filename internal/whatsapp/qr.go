package whatsapp

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"rsc.io/qr"
)

// QRPNGDataURL renders code as a base64 PNG data URL.
func QRPNGDataURL(code string, size int) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("failed to generate QR code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// QRSVG renders code as a self-contained SVG document of the given pixel size.
func QRSVG(code string, size int) (string, error) {
	c, err := qr.Encode(code, qr.L)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR: %w", err)
	}

	n := c.Size
	if n == 0 {
		return "", fmt.Errorf("empty QR code")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" width="%d" height="%d">`, n, n, size, size)
	fmt.Fprintf(&sb, `<rect width="%d" height="%d" fill="#fff"/>`, n, n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			if c.Black(x, y) {
				fmt.Fprintf(&sb, `<rect x="%d" y="%d" width="1" height="1" fill="#000"/>`, x, y)
			}
		}
	}
	sb.WriteString(`</svg>`)
	return sb.String(), nil
}

// TerminalQR returns a callback that prints each new QR to w as half-block art.
func TerminalQR(w io.Writer) func(sessionID, code string) {
	return func(sessionID, code string) {
		fmt.Fprintf(w, "\nScan this QR code with WhatsApp to link session %q:\n\n", sessionID)
		qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
		fmt.Fprintln(w)
	}
}
