package federation

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/versia"
	"github.com/google/uuid"
)

const (
	DefaultPageLimit = 40
	MaxPageLimit     = 80
)

// CollectionRequest asks for one page of a collection. BaseURI is the collection URI
// without a query; Author signs the page.
type CollectionRequest struct {
	Kind     domain.CollectionKind
	Subject  string
	Author   string
	BaseURI  string
	Limit    int
	Offset   int
	BeforeID uuid.UUID
	AfterID  uuid.UUID
}

// ParsePageQuery reads limit, offset, before_id and after_id into req.
func ParsePageQuery(values url.Values, req *CollectionRequest) error {
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid limit %q", v)
		}
		req.Limit = n
	}
	if v := values.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid offset %q", v)
		}
		req.Offset = n
	}
	if v := values.Get("before_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("invalid before_id %q", v)
		}
		req.BeforeID = id
	}
	if v := values.Get("after_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("invalid after_id %q", v)
		}
		req.AfterID = id
	}
	if req.BeforeID != uuid.Nil && req.AfterID != uuid.Nil {
		return fmt.Errorf("before_id and after_id are exclusive")
	}
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	}
	return limit
}

// Paginator builds signed URICollection pages from a CollectionSource.
type Paginator struct {
	source domain.CollectionSource
	keys   SigningKeys
	codec  *versia.Codec
	clock  clock.Clock
}

func NewPaginator(source domain.CollectionSource, keys SigningKeys, clk clock.Clock) *Paginator {
	if clk == nil {
		clk = clock.New()
	}
	return &Paginator{source: source, keys: keys, codec: versia.NewCodec(nil), clock: clk}
}

// Paginate returns the page selected by req. Items are in ascending id order. Next is
// after_id on the last item; previous is before_id on the item preceding the page, so
// adjacent pages link each other through the same boundary id.
func (p *Paginator) Paginate(ctx context.Context, req CollectionRequest) (*versia.URICollection, error) {
	limit := clampLimit(req.Limit)
	query := domain.PageQuery{Limit: limit, Offset: req.Offset, BeforeID: req.BeforeID, AfterID: req.AfterID}

	total, err := p.source.CollectionCount(ctx, req.Kind, req.Subject)
	if err != nil {
		return nil, err
	}
	items, err := p.source.CollectionItems(ctx, req.Kind, req.Subject, query)
	if err != nil {
		return nil, err
	}

	page := &versia.URICollection{
		Author: req.Author,
		First:  req.BaseURI + offsetQuery(limit, 0),
		Last:   req.BaseURI + offsetQuery(limit, lastOffset(total, limit)),
		Total:  total,
		Items:  make([]string, 0, len(items)),
	}
	for _, item := range items {
		page.Items = append(page.Items, item.URI)
	}

	if len(items) > 0 {
		rank, err := p.source.CollectionRank(ctx, req.Kind, req.Subject, items[0].Id)
		if err != nil {
			return nil, err
		}
		if rank > 0 {
			prev, err := p.source.CollectionPredecessor(ctx, req.Kind, req.Subject, items[0].Id)
			if err != nil {
				return nil, err
			}
			page.Previous = req.BaseURI + cursorQuery(limit, "before_id", prev)
		}
		if rank+uint64(len(items)) < total {
			page.Next = req.BaseURI + cursorQuery(limit, "after_id", items[len(items)-1].Id)
		}
	} else if total > 0 && (req.Offset > 0 || req.AfterID != uuid.Nil) {
		// Past the end: point back at the last real page.
		page.Previous = page.Last
	}

	pageURI := req.BaseURI + pageQuery(limit, query)
	page.Envelope = versia.Envelope{
		ID:        uuid.NewSHA1(uuid.NameSpaceURL, []byte(pageURI)),
		Type:      versia.TypeURICollection,
		CreatedAt: p.clock.Now().UTC(),
		URI:       pageURI,
	}
	return page, nil
}

// Render serializes page and signs the response for r with the author's key.
func (p *Paginator) Render(ctx context.Context, r *http.Request, header http.Header, page *versia.URICollection) ([]byte, error) {
	body, err := p.codec.Serialize(page)
	if err != nil {
		return nil, err
	}
	key, err := p.keys.SigningKey(ctx, page.Author)
	if err != nil {
		return nil, err
	}
	if err := SignResponse(key, page.Author, r, header, body, p.clock.Now()); err != nil {
		return nil, err
	}
	return body, nil
}

func lastOffset(total uint64, limit int) int {
	if total == 0 {
		return 0
	}
	return int((total-1)/uint64(limit)) * limit
}

func offsetQuery(limit, offset int) string {
	return fmt.Sprintf("?limit=%d&offset=%d", limit, offset)
}

func cursorQuery(limit int, name string, id uuid.UUID) string {
	return fmt.Sprintf("?limit=%d&%s=%s", limit, name, id)
}

func pageQuery(limit int, q domain.PageQuery) string {
	switch {
	case q.AfterID != uuid.Nil:
		return cursorQuery(limit, "after_id", q.AfterID)
	case q.BeforeID != uuid.Nil:
		return cursorQuery(limit, "before_id", q.BeforeID)
	}
	return offsetQuery(limit, q.Offset)
}
