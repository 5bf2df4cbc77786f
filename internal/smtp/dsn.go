package smtp

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// DSN 动作（RFC 3464 Action 字段）
const (
	ActionFailed    = "failed"
	ActionDelayed   = "delayed"
	ActionDelivered = "delivered"
	ActionRelayed   = "relayed"
	ActionExpanded  = "expanded"
)

// RecipientStatus 表示退信报告中单个收件人的投递状态
type RecipientStatus struct {
	FinalRecipient string
	Action         string
	Status         string // 如 5.1.1
	Diagnostic     string
}

// Permanent 是否为永久性失败
func (r RecipientStatus) Permanent() bool {
	if r.Action != "" {
		return r.Action == ActionFailed
	}
	return strings.HasPrefix(r.Status, "5")
}

// Report 表示解析后的退信通知
type Report struct {
	Subject    string
	From       string
	IsDSN      bool // 是否为标准 multipart/report 投递状态通知
	Recipients []RecipientStatus
	Text       string // 人类可读部分
}

// Bounced 报告是否代表一次退信
//
// 非标准格式的邮件（例如部分邮件服务商的纯文本退信）一律按退信处理。
func (r *Report) Bounced() bool {
	if !r.IsDSN || len(r.Recipients) == 0 {
		return true
	}
	for _, rcpt := range r.Recipients {
		if rcpt.Permanent() {
			return true
		}
	}
	return false
}

// Reason 返回用于日志的退信原因摘要
func (r *Report) Reason() string {
	for _, rcpt := range r.Recipients {
		if rcpt.Diagnostic != "" {
			return rcpt.Diagnostic
		}
		if rcpt.Status != "" {
			return "status " + rcpt.Status
		}
	}
	if r.Subject != "" {
		return r.Subject
	}
	return "bounce"
}

// ParseDSN 解析退信邮件，提取投递状态
func ParseDSN(raw []byte) (*Report, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	report := &Report{
		Subject: decodeHeader(msg.Header.Get("Subject")),
		From:    msg.Header.Get("From"),
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// 没有 Content-Type 时当作纯文本处理
		body, _ := io.ReadAll(msg.Body)
		report.Text = string(body)
		return report, nil
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		report.Text = body
		return report, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("multipart message without boundary")
	}
	report.IsDSN = mediaType == "multipart/report" &&
		strings.EqualFold(params["report-type"], "delivery-status")

	if err := parseParts(multipart.NewReader(msg.Body, boundary), report); err != nil {
		return nil, fmt.Errorf("parse multipart: %w", err)
	}
	return report, nil
}

// parseParts 递归遍历多部分邮件
func parseParts(mr *multipart.Reader, report *Report) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		switch {
		case strings.HasPrefix(mediaType, "multipart/"):
			if boundary := params["boundary"]; boundary != "" {
				if err := parseParts(multipart.NewReader(part, boundary), report); err != nil {
					return err
				}
			}
		case mediaType == "message/delivery-status":
			body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), "")
			if err != nil {
				continue
			}
			report.Recipients = append(report.Recipients, parseDeliveryStatus(body)...)
		case mediaType == "text/plain":
			if report.Text != "" {
				continue
			}
			body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
			if err == nil {
				report.Text = body
			}
		}
	}
}

// parseDeliveryStatus 解析 message/delivery-status 正文
//
// 正文由空行分隔的字段组：第一组是报文级字段，其后每组对应一个收件人。
func parseDeliveryStatus(body string) []RecipientStatus {
	r := textproto.NewReader(bufio.NewReader(strings.NewReader(body + "\r\n\r\n")))

	// 报文级字段
	if _, err := r.ReadMIMEHeader(); err != nil {
		return nil
	}

	var out []RecipientStatus
	for {
		h, err := r.ReadMIMEHeader()
		if len(h) > 0 {
			out = append(out, RecipientStatus{
				FinalRecipient: addressField(h.Get("Final-Recipient")),
				Action:         strings.ToLower(strings.TrimSpace(h.Get("Action"))),
				Status:         strings.TrimSpace(h.Get("Status")),
				Diagnostic:     diagnosticField(h.Get("Diagnostic-Code")),
			})
		}
		if err != nil || len(h) == 0 {
			return out
		}
	}
}

// addressField 去掉 "rfc822;" 之类的地址类型前缀
func addressField(v string) string {
	if _, addr, ok := strings.Cut(v, ";"); ok {
		v = addr
	}
	return strings.Trim(strings.TrimSpace(v), "<>")
}

func diagnosticField(v string) string {
	if _, text, ok := strings.Cut(v, ";"); ok {
		v = text
	}
	return strings.TrimSpace(v)
}

// decodeBody 根据编码方式解码邮件体
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	var decoded io.Reader = reader
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	// 字符集转换
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := charsetEncoding(charset); enc != nil {
			if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
				body = converted
			}
		}
	}
	return string(body), nil
}

func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoded, err := new(mime.WordDecoder).DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
