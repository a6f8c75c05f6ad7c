package hikvision

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"
)

// metadataMarker 标识 ANPR 元数据分段的 Content-Disposition 片段
const metadataMarker = "anpr.xml"

// 错误定义
var (
	ErrDecode     = errors.New("decode notification")
	ErrNoMetadata = errors.New("no anpr metadata part")
)

// Decode 按 Content-Type 中声明的 boundary 拆分 multipart 请求体并解析出通知
func Decode(contentType string, body []byte) (*Notification, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: parse content type: %v", ErrDecode, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("%w: unexpected media type %q", ErrDecode, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: missing boundary", ErrDecode)
	}

	n := &Notification{Images: make(map[string][]byte)}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: next part: %v", ErrDecode, err)
		}

		data, err := readPart(part)
		if err != nil {
			return nil, fmt.Errorf("%w: read part: %v", ErrDecode, err)
		}

		disposition := part.Header.Get("Content-Disposition")
		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))

		switch {
		case strings.Contains(disposition, metadataMarker):
			n.RawXML = data
		case partType == "image/jpeg":
			// 没有文件名的图片无法引用，直接跳过
			if name := part.FileName(); name != "" {
				n.Images[name] = data
			}
		case partType == "video/mp4" || partType == "application/octet-stream":
			if n.Video == nil {
				n.Video = data
			}
		}
	}

	if n.RawXML == nil {
		return nil, ErrNoMetadata
	}

	alert, err := ParseAlert(n.RawXML)
	if err != nil {
		return nil, err
	}

	n.Plate = strings.TrimSpace(alert.ANPR.LicensePlate)
	if n.Plate == "" {
		return nil, fmt.Errorf("%w: empty license plate", ErrDecode)
	}
	n.DateTime = strings.TrimSpace(alert.DateTime)
	n.Latitude = strings.TrimSpace(alert.GPS.Latitude.Degree)
	n.Longitude = strings.TrimSpace(alert.GPS.Longitude.Degree)
	n.Speed = parseSpeed(alert.ANPR.VehicleInfo.Speed)

	return n, nil
}

// ParseAlert 去除命名空间后解析 EventNotificationAlert
func ParseAlert(raw []byte) (*EventNotificationAlert, error) {
	clean, err := StripNamespaces(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: strip namespaces: %v", ErrDecode, err)
	}

	var alert EventNotificationAlert
	if err := xml.Unmarshal(clean, &alert); err != nil {
		return nil, fmt.Errorf("%w: parse xml: %v", ErrDecode, err)
	}
	return &alert, nil
}

// StripNamespaces 去掉所有元素的命名空间前缀和 xmlns 声明
// 设备输出的命名空间不一致，不去掉的话按名称取字段会失败
func StripNamespaces(raw []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = false

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)

	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			t.Name.Space = ""
			attrs := t.Attr[:0]
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
					continue
				}
				a.Name.Space = ""
				attrs = append(attrs, a)
			}
			t.Attr = attrs
			tok = t
		case xml.EndElement:
			t.Name.Space = ""
			tok = t
		case xml.ProcInst, xml.Directive:
			continue
		}

		if err := enc.EncodeToken(xml.CopyToken(tok)); err != nil {
			return nil, err
		}
	}

	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readPart 读取分段内容，处理 base64 传输编码（quoted-printable 由 multipart 自动处理）
func readPart(part *multipart.Part) ([]byte, error) {
	var r io.Reader = part
	if strings.EqualFold(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")), "base64") {
		r = base64.NewDecoder(base64.StdEncoding, part)
	}
	return io.ReadAll(r)
}

// parseSpeed 缺失或非数字时返回 0
func parseSpeed(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int(f)
	}
	return 0
}
