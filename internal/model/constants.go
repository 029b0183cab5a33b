package model

// BoardRole 보드 협업자 역할
type BoardRole string

const (
	RoleViewer BoardRole = "viewer"
	RoleEditor BoardRole = "editor"
	RoleAdmin  BoardRole = "admin"
)

func (r BoardRole) String() string {
	return string(r)
}

// Rank 역할 서열 (viewer < editor < admin). 알 수 없는 역할은 -1.
// The owner has no stored role; access checks treat ownership as ranking
// above admin.
func (r BoardRole) Rank() int {
	switch r {
	case RoleViewer:
		return 0
	case RoleEditor:
		return 1
	case RoleAdmin:
		return 2
	}
	return -1
}

// Valid 역할 값 검증
func (r BoardRole) Valid() bool {
	return r.Rank() >= 0
}

// ElementKind 캔버스 요소 종류
type ElementKind string

const (
	ElementStroke    ElementKind = "stroke"
	ElementRect      ElementKind = "rectangle"
	ElementCircle    ElementKind = "circle"
	ElementLine      ElementKind = "line"
	ElementArrow     ElementKind = "arrow"
	ElementText      ElementKind = "text"
	ElementSticky    ElementKind = "sticky-note"
	ElementTable     ElementKind = "table"
	ElementImage     ElementKind = "image"
	ElementConnector ElementKind = "connector"
	ElementNode      ElementKind = "flowchart-node"
)

func (k ElementKind) String() string {
	return string(k)
}

// Valid 요소 종류 검증
func (k ElementKind) Valid() bool {
	switch k {
	case ElementStroke, ElementRect, ElementCircle, ElementLine, ElementArrow,
		ElementText, ElementSticky, ElementTable, ElementImage, ElementConnector,
		ElementNode:
		return true
	}
	return false
}

// AuthProvider 로그인 제공자
const (
	ProviderLocal  = "local"
	ProviderGoogle = "google"
)
