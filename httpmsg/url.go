package httpmsg

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jnestelroad/aether-go/internal/perror"
)

// TargetForm identifies how a request-target was spelled on the wire
// (spec §3 Url).
type TargetForm int

const (
	TargetOrigin TargetForm = iota
	TargetAbsolute
	TargetAuthority
	TargetAsterisk
)

// NetworkLocation is the authority component of a Url.
type NetworkLocation struct {
	Username string
	Password string
	Host     string
	Port     string // empty if not explicit
}

func (n NetworkLocation) String() string {
	host := n.Host
	if n.Port != "" {
		host = net.JoinHostPort(n.Host, n.Port)
	}
	if n.Username == "" {
		return host
	}
	cred := n.Username
	if n.Password != "" {
		cred += ":" + n.Password
	}
	return cred + "@" + host
}

// Url is the proxy's request-target model (spec §3). Unlike net/url.URL,
// parsing is target-form- and method-sensitive: CONNECT always parses as
// authority-form, asterisk-form is only legal for OPTIONS, and origin-form
// carries no scheme/host of its own (those are synthesised from Host later).
type Url struct {
	Form     TargetForm
	Scheme   string // empty unless TargetAbsolute
	Location NetworkLocation
	Path     string
	Search   string // params + query + fragment, concatenated verbatim
}

// ParseTarget parses a request-target per method context.
func ParseTarget(method, target string) (Url, error) {
	if target == "*" {
		if method != "OPTIONS" {
			return Url{}, perror.New(perror.InvalidRequestLine, "asterisk-form target only valid for OPTIONS")
		}
		return Url{Form: TargetAsterisk, Path: "*"}, nil
	}
	if method == "CONNECT" {
		loc, err := parseAuthority(target)
		if err != nil {
			return Url{}, err
		}
		return Url{Form: TargetAuthority, Location: loc}, nil
	}
	if strings.HasPrefix(target, "/") {
		path, search, _ := strings.Cut(target, "?")
		if search != "" {
			search = "?" + search
		}
		return Url{Form: TargetOrigin, Path: path, Search: search}, nil
	}
	// absolute-form: scheme://host[:port]/path?query
	idx := strings.Index(target, "://")
	if idx < 0 {
		return Url{}, perror.New(perror.InvalidRequestLine, "unrecognised request-target form: "+target)
	}
	scheme := target[:idx]
	rest := target[idx+3:]
	slash := strings.IndexByte(rest, '/')
	authority := rest
	path := "/"
	search := ""
	if slash >= 0 {
		authority = rest[:slash]
		pathAndQuery := rest[slash:]
		p, q, _ := strings.Cut(pathAndQuery, "?")
		path = p
		if q != "" {
			search = "?" + q
		}
	}
	loc, err := parseAuthority(authority)
	if err != nil {
		return Url{}, err
	}
	return Url{Form: TargetAbsolute, Scheme: scheme, Location: loc, Path: path, Search: search}, nil
}

func parseAuthority(authority string) (NetworkLocation, error) {
	var loc NetworkLocation
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		cred := authority[:at]
		authority = authority[at+1:]
		user, pass, _ := strings.Cut(cred, ":")
		loc.Username, loc.Password = user, pass
	}
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		// no port present
		loc.Host = authority
		return loc, nil
	}
	if port != "" {
		if n, convErr := strconv.Atoi(port); convErr != nil || n < 0 || n > 65535 {
			return NetworkLocation{}, perror.New(perror.InvalidTargetPort, "invalid port: "+port)
		}
	}
	loc.Host, loc.Port = host, port
	return loc, nil
}

// EffectiveHost returns the host:port that should be dialed, defaulting port
// to defaultPort when none was specified (spec §4.5 validate_target).
func (u Url) EffectiveHost(defaultPort string) string {
	if u.Location.Port != "" {
		return net.JoinHostPort(u.Location.Host, u.Location.Port)
	}
	return net.JoinHostPort(u.Location.Host, defaultPort)
}

func (u Url) String() string {
	switch u.Form {
	case TargetAsterisk:
		return "*"
	case TargetAuthority:
		return u.Location.String()
	case TargetAbsolute:
		return fmt.Sprintf("%s://%s%s%s", u.Scheme, u.Location.String(), u.Path, u.Search)
	default:
		return u.Path + u.Search
	}
}
