package identity

import (
	"errors"
	"strings"

	"charaforge/pkg/textutil"
)

// ============================================================================
// 邮箱身份归一化
// ============================================================================
//
// 同一个邮箱可以有很多种写法：
//   a.k.i+work@gmail.com、akihiro+test@gmail.com、AKIHIRO@GoogleMail.com ...
// 归一化把它们折叠成同一个规范身份，用来识别"换个写法再注册一次"的小号。
//
// 注意：登录锁定使用的是 Sanitize（仅 trim + 小写），不是 Normalize。
// 两者对应两种不同的威胁，不能混用。
//
// ============================================================================

var (
	ErrInvalidInput  = errors.New("email is empty or not a string")
	ErrInvalidFormat = errors.New("email is not a valid local@domain address")
)

// 点号不敏感 + 去掉 "+" 后缀
var dotInsensitiveDomains = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
}

// 只去掉 "+" 后缀，保留点号
var plusOnlyDomains = map[string]struct{}{
	"outlook.com":   {},
	"hotmail.com":   {},
	"live.com":      {},
	"msn.com":       {},
	"outlook.jp":    {},
	"hotmail.co.jp": {},
	"live.jp":       {},
	"yahoo.com":     {},
	"yahoo.co.jp":   {},
	"icloud.com":    {},
	"me.com":        {},
	"mac.com":       {},
}

// 与 login_attempt.email / account_lock.email 列宽一致
const maxEmailBytes = 254

// Sanitize trim + 小写，不做别名折叠。非法 UTF-8 字节会被替换，结果总能写入 utf8mb4 列。
func Sanitize(raw string) string {
	s := strings.ToValidUTF8(strings.TrimSpace(raw), "\uFFFD")
	return textutil.Clip(strings.ToLower(s), maxEmailBytes)
}

// Normalize 返回邮箱的规范身份
func Normalize(raw string) (string, error) {
	email := Sanitize(raw)
	if email == "" {
		return "", ErrInvalidInput
	}

	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "", ErrInvalidFormat
	}
	local, domain := email[:at], email[at+1:]
	if local == "" || domain == "" {
		return "", ErrInvalidFormat
	}

	switch {
	case IsDotInsensitiveDomain(domain):
		local = stripPlus(strings.ReplaceAll(local, ".", ""))
	case IsPlusOnlyDomain(domain):
		local = stripPlus(local)
	default:
		// 未知域名和 plusOnly 规则一致
		local = stripPlus(local)
	}

	if local == "" {
		return "", ErrInvalidFormat
	}
	return local + "@" + domain, nil
}

// NormalizeAny 给解码松散 JSON 的调用方使用：nil 或非字符串都算 InvalidInput
func NormalizeAny(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", ErrInvalidInput
	}
	return Normalize(s)
}

// IsPlusOnlyDomain 该域名是否属于"只去 + 后缀"的服务商
func IsPlusOnlyDomain(domain string) bool {
	_, ok := plusOnlyDomains[strings.ToLower(domain)]
	return ok
}

// IsDotInsensitiveDomain 该域名是否忽略点号
func IsDotInsensitiveDomain(domain string) bool {
	_, ok := dotInsensitiveDomains[strings.ToLower(domain)]
	return ok
}

func stripPlus(local string) string {
	if i := strings.Index(local, "+"); i >= 0 {
		return local[:i]
	}
	return local
}
