package directory

import (
	"fmt"
	"net/url"
	"strings"
)

// Default page size requested from the directory. The upstream may return
// fewer records per page regardless.
const DefaultPageSize = 999

// Core attribute set always requested for users. Extended properties add
// organizational fields on top.
var (
	userSelectCore = []string{
		"id", "accountEnabled", "displayName", "givenName", "surname",
		"mail", "userPrincipalName", "userType",
	}
	userSelectExtended = []string{
		"jobTitle", "department", "companyName", "officeLocation",
		"employeeId", "city", "country",
	}
	groupSelect = []string{
		"id", "displayName", "description", "mail", "securityEnabled",
		"groupTypes", "createdDateTime",
	}
)

// Endpoints builds the initial request URLs for the three extraction stages.
type Endpoints struct {
	// BaseURL is the directory API root, e.g. "https://graph.example.com/v1.0".
	BaseURL string

	// PageSize is the requested records-per-page. Zero means DefaultPageSize.
	PageSize int
}

func (e Endpoints) pageSize() int {
	if e.PageSize <= 0 {
		return DefaultPageSize
	}
	return e.PageSize
}

func (e Endpoints) base() string {
	return strings.TrimRight(e.BaseURL, "/")
}

// UsersURL returns the initial users listing URL. Extended properties widen
// the attribute selection.
func (e Endpoints) UsersURL(includeExtended bool) string {
	selected := userSelectCore
	if includeExtended {
		selected = append(append([]string{}, userSelectCore...), userSelectExtended...)
	}

	query := url.Values{}
	query.Set("$top", fmt.Sprintf("%d", e.pageSize()))
	query.Set("$select", strings.Join(selected, ","))

	return e.base() + "/users?" + query.Encode()
}

// GroupsURL returns the initial groups listing URL.
func (e Endpoints) GroupsURL() string {
	query := url.Values{}
	query.Set("$top", fmt.Sprintf("%d", e.pageSize()))
	query.Set("$select", strings.Join(groupSelect, ","))

	return e.base() + "/groups?" + query.Encode()
}

// GroupMembersURL returns the initial membership listing URL for one group.
func (e Endpoints) GroupMembersURL(groupID string) string {
	query := url.Values{}
	query.Set("$top", fmt.Sprintf("%d", e.pageSize()))

	return e.base() + "/groups/" + url.PathEscape(groupID) + "/members?" + query.Encode()
}
