package logs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OCSF class UIDs mapped onto telemetry kinds.
const (
	classNetworkActivity = 4001
	classDNSActivity     = 4003
	classDetection       = 2004
)

// OCSF file hash algorithm ids.
var ocsfHashAlgorithms = map[int]string{
	1: "md5",
	2: "sha1",
	3: "sha256",
}

const eveTimeLayout = "2006-01-02T15:04:05.999999-0700"

// classify returns the kind of a raw record and the record in EVE shape.
// ok is false for records that carry no telemetry of interest.
func classify(raw map[string]any) (Kind, map[string]any, bool) {
	if et, isEVE := raw["event_type"].(string); isEVE {
		switch et {
		case "flow", "netflow":
			return KindFlow, raw, true
		case "dns":
			return KindDNS, raw, true
		case "alert":
			return KindAlert, raw, true
		}
		return "", nil, false
	}

	classUID, err := toInt(raw["class_uid"])
	if err != nil {
		return "", nil, false
	}
	switch classUID {
	case classNetworkActivity:
		return KindFlow, ocsfToEVE(raw, nil), true
	case classDNSActivity:
		fields := ocsfToEVE(raw, nil)
		if q, ok := raw["query"].(map[string]any); ok {
			dnsFields := map[string]any{}
			if h, ok := q["hostname"].(string); ok {
				dnsFields["rrname"] = h
			}
			if t, ok := q["type"].(string); ok {
				dnsFields["rrtype"] = t
			}
			fields["dns"] = dnsFields
		}
		return KindDNS, fields, true
	case classDetection:
		alert := map[string]any{}
		if fi, ok := raw["finding_info"].(map[string]any); ok {
			if title, ok := fi["title"].(string); ok {
				alert["signature"] = title
			}
		}
		if _, ok := alert["signature"]; !ok {
			if msg, ok := raw["message"].(string); ok {
				alert["signature"] = msg
			}
		}
		return KindAlert, ocsfToEVE(raw, alert), true
	}
	return "", nil, false
}

// ocsfToEVE copies endpoint addresses, file hashes and URL details from an
// OCSF record into EVE field names.
func ocsfToEVE(raw map[string]any, alert map[string]any) map[string]any {
	fields := map[string]any{"ocsf_class_uid": raw["class_uid"]}
	if src, ok := raw["src_endpoint"].(map[string]any); ok {
		if ip, ok := src["ip"].(string); ok {
			fields["src_ip"] = ip
		}
	}
	if dst, ok := raw["dst_endpoint"].(map[string]any); ok {
		if ip, ok := dst["ip"].(string); ok {
			fields["dest_ip"] = ip
		}
		if host, ok := dst["hostname"].(string); ok {
			fields["http"] = map[string]any{"hostname": host}
		}
	}
	if u, ok := raw["url"].(map[string]any); ok {
		httpFields, _ := fields["http"].(map[string]any)
		if httpFields == nil {
			httpFields = map[string]any{}
		}
		if full, ok := u["url_string"].(string); ok {
			httpFields["url"] = full
		}
		if host, ok := u["hostname"].(string); ok {
			httpFields["hostname"] = host
		}
		fields["http"] = httpFields
	}
	if file, ok := raw["file"].(map[string]any); ok {
		if hashes, ok := file["hashes"].([]any); ok {
			info := map[string]any{}
			for _, h := range hashes {
				hm, ok := h.(map[string]any)
				if !ok {
					continue
				}
				id, err := toInt(hm["algorithm_id"])
				if err != nil {
					continue
				}
				if name, ok := ocsfHashAlgorithms[id]; ok {
					if v, ok := hm["value"].(string); ok {
						info[name] = v
					}
				}
			}
			if len(info) > 0 {
				fields["fileinfo"] = info
			}
		}
	}
	if alert != nil {
		fields["alert"] = alert
	}
	if t, ok := raw["time"]; ok {
		fields["time"] = t
	}
	return fields
}

// eventTime reads the record timestamp: EVE "timestamp" or OCSF "time".
// ok is false when the record has neither.
func eventTime(fields map[string]any) (time.Time, bool, error) {
	v, ok := fields["timestamp"]
	if !ok {
		v, ok = fields["time"]
	}
	if !ok || v == nil {
		return time.Time{}, false, nil
	}
	t, err := parseTime(v)
	if err != nil {
		return time.Time{}, true, err
	}
	return t.UTC(), true, nil
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, eveTimeLayout} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return fromEpoch(n), nil
		}
		return time.Time{}, fmt.Errorf("unable to parse time string: %s", t)
	case float64:
		return fromEpoch(int64(t)), nil
	case int64:
		return fromEpoch(t), nil
	case int:
		return fromEpoch(int64(t)), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time type: %T", t)
	}
}

// fromEpoch treats values with more than 10 digits as milliseconds.
func fromEpoch(n int64) time.Time {
	if n > 9999999999 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}
