package asset

import (
	"context"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"folio/api/internal/config"
	"folio/api/internal/dom"
	"folio/api/internal/errs"
	"folio/api/internal/scan"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Storage is the object store images are uploaded to. Upload returns the
// public URL of the stored object.
type Storage interface {
	Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) (string, error)
}

type Notifier interface {
	Notify(reason string)
}

type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type Asset struct {
	Slot string         `json:"slot"`
	Ref  string         `json:"ref"`
	Kind scan.AssetKind `json:"kind"`
}

// CardImage is a card image change waiting to be mirrored into its record.
type CardImage struct {
	Key  string
	Slug string
	URL  string
}

type Config struct {
	Profile  config.Profile
	PageKey  string
	Bucket   string
	Storage  Storage
	Previews *Previews
	Notifier Notifier
	// Locker guards the document. Upload releases it around the network call.
	Locker   sync.Locker
	Document func() *html.Node
	Now      func() time.Time
}

type cardPattern struct {
	sel    dom.Selector
	keySel dom.Selector
	attr   string
	prefix string
}

// Binder owns image elements of one document. Apart from Upload its methods
// expect the caller to hold the document lock.
type Binder struct {
	cfg     Config
	slots   *Slots
	cards   []cardPattern
	pending map[string]CardImage
}

func New(cfg Config) *Binder {
	if cfg.Previews == nil {
		cfg.Previews = NewPreviews()
	}
	if cfg.Locker == nil {
		cfg.Locker = &sync.Mutex{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "resume-cms"
	}
	b := &Binder{cfg: cfg, slots: NewSlots(), pending: make(map[string]CardImage)}
	for _, c := range cfg.Profile.Cards {
		b.cards = append(b.cards, cardPattern{
			sel:    dom.Compile(c.Selector),
			keySel: dom.Compile(c.KeySelector),
			attr:   c.KeyAttr,
			prefix: c.Prefix,
		})
	}
	return b
}

func (b *Binder) Slots() *Slots {
	return b.slots
}

func (b *Binder) Previews() *Previews {
	return b.cfg.Previews
}

func (b *Binder) ResolveSlot(n *html.Node) string {
	return b.slots.ResolveSlot(n)
}

func kindOf(n *html.Node) scan.AssetKind {
	if n.DataAtom == atom.Img {
		return scan.AssetImg
	}
	return scan.AssetBackground
}

// CurrentRef is the reference the element displays right now.
func CurrentRef(n *html.Node) string {
	if n.DataAtom == atom.Img {
		return dom.Attr(n, "src")
	}
	ref, _ := dom.BackgroundURL(n)
	return ref
}

func (b *Binder) Describe(n *html.Node) Asset {
	return Asset{Slot: b.slots.ResolveSlot(n), Ref: CurrentRef(n), Kind: kindOf(n)}
}

// SetRef points n at ref without recording a change.
func SetRef(n *html.Node, ref string) {
	if n.DataAtom == atom.Img {
		dom.SetAttr(n, "src", ref)
		return
	}
	dom.SetBackgroundURL(n, ref)
}

// ApplyValue points the element at ref and records the change.
func (b *Binder) ApplyValue(n *html.Node, ref, reason string) Asset {
	SetRef(n, ref)
	b.notify(reason)
	return b.Describe(n)
}

// SetLink accepts only absolute http(s) URLs. Invalid input leaves the
// element untouched.
func (b *Binder) SetLink(n *html.Node, raw string) (Asset, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Asset{}, errs.Validation("url", "must be an absolute http or https URL")
	}
	a := b.ApplyValue(n, raw, "image-link")
	b.recordCard(n, raw)
	return a, nil
}

// Upload shows a local preview at once, stores the bytes, then swaps in the
// public URL. On failure the previous reference is restored.
func (b *Binder) Upload(ctx context.Context, n *html.Node, f File) (Asset, error) {
	if !strings.HasPrefix(f.ContentType, "image/") {
		return Asset{}, errs.Validation("file", "must be an image")
	}
	if len(f.Data) == 0 {
		return Asset{}, errs.Validation("file", "is empty")
	}
	if b.cfg.Storage == nil {
		return Asset{}, errs.Upload("", errStorageMissing)
	}

	b.cfg.Locker.Lock()
	prev := CurrentRef(n)
	if dom.HasAttr(n, dom.AttrPrevSrc) {
		prev = dom.Attr(n, dom.AttrPrevSrc)
	}
	preview := b.cfg.Previews.Put(f.ContentType, f.Data)
	dom.SetAttr(n, dom.AttrPrevSrc, prev)
	SetRef(n, preview)
	dest := b.Destination(n, f)
	b.cfg.Locker.Unlock()

	publicURL, err := b.cfg.Storage.Upload(ctx, b.cfg.Bucket, dest, f.Data, f.ContentType)

	b.cfg.Locker.Lock()
	defer b.cfg.Locker.Unlock()
	b.cfg.Previews.Revoke(preview)
	if !b.attached(n) {
		return Asset{}, errs.Upload(dest, ErrDetached)
	}
	current := CurrentRef(n) == preview
	if current {
		dom.RemoveAttr(n, dom.AttrPrevSrc)
	}
	if err != nil {
		if current {
			SetRef(n, prev)
		}
		return Asset{}, errs.Upload(dest, err)
	}

	final := withVersion(publicURL, b.cfg.Now())
	if current {
		SetRef(n, final)
		b.notify("image-upload")
		b.recordCard(n, final)
	}
	return Asset{Slot: b.slots.ResolveSlot(n), Ref: final, Kind: kindOf(n)}, nil
}

// attached reports whether n is still part of the live document. A discard
// swaps the document out from under an upload in flight.
func (b *Binder) attached(n *html.Node) bool {
	if b.cfg.Document == nil {
		return true
	}
	doc := b.cfg.Document()
	return doc != nil && dom.Contains(doc, n)
}

func withVersion(ref string, now time.Time) string {
	sep := "?"
	if strings.Contains(ref, "?") {
		sep = "&"
	}
	return ref + sep + "v=" + strconv.FormatInt(now.UnixMilli(), 10)
}

// Destination is the object path an upload for n is stored under. Card
// images are keyed by their card; everything else by page and slot.
func (b *Binder) Destination(n *html.Node, f File) string {
	ext := extension(f)
	slot := b.slots.ResolveSlot(n)

	var dest string
	if card, ok := b.cardFor(n); ok && card.Slug != "" {
		dest = card.prefix + "/" + card.Slug + "/cover" + ext
	} else {
		dest = "pages/" + b.cfg.PageKey + "/" + slot + ext
	}

	if b.referencedElsewhere(n, dest) {
		dest = strings.TrimSuffix(dest, ext) + "-" + slot + ext
	}
	return dest
}

// referencedElsewhere reports whether another live image already points at
// the object stored under dest.
func (b *Binder) referencedElsewhere(n *html.Node, dest string) bool {
	if b.cfg.Document == nil {
		return false
	}
	doc := b.cfg.Document()
	if doc == nil {
		return false
	}
	found := false
	dom.Walk(doc, func(el *html.Node) bool {
		if found || dom.IsChrome(el) {
			return false
		}
		if el == n || el.Type != html.ElementNode {
			return true
		}
		ref := CurrentRef(el)
		if ref == "" || IsPreview(ref) {
			return true
		}
		if cut, _, ok := strings.Cut(ref, "?"); ok {
			ref = cut
		}
		if ref == dest || strings.HasSuffix(ref, "/"+dest) {
			found = true
		}
		return !found
	})
	return found
}

var extByType = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/avif":    ".avif",
	"image/svg+xml": ".svg",
}

func extension(f File) string {
	if ext := strings.ToLower(path.Ext(f.Name)); ext != "" && len(ext) <= 6 {
		return ext
	}
	if ext, ok := extByType[f.ContentType]; ok {
		return ext
	}
	return ".img"
}

type cardRef struct {
	Key    string
	Slug   string
	prefix string
}

func (b *Binder) cardFor(n *html.Node) (cardRef, bool) {
	for _, p := range b.cards {
		card := dom.Closest(n, p.sel.Match)
		if card == nil {
			continue
		}
		keyNode := card
		if !p.keySel.Match(card) {
			keyNode = p.keySel.QueryFirst(card)
		}
		if keyNode == nil {
			return cardRef{prefix: p.prefix}, true
		}
		key := dom.Attr(keyNode, p.attr)
		return cardRef{Key: key, Slug: Slug(key), prefix: p.prefix}, true
	}
	return cardRef{}, false
}

func (b *Binder) recordCard(n *html.Node, ref string) {
	card, ok := b.cardFor(n)
	if !ok || card.Key == "" {
		return
	}
	b.pending[card.Key] = CardImage{Key: card.Key, Slug: card.Slug, URL: ref}
}

// PendingCards returns and clears the card image changes recorded since the
// last call.
func (b *Binder) PendingCards() []CardImage {
	out := make([]CardImage, 0, len(b.pending))
	for key, img := range b.pending {
		out = append(out, img)
		delete(b.pending, key)
	}
	return out
}

// RequeueCards puts card changes that did not reach their records back into
// the pending set. A change recorded since for the same card wins.
func (b *Binder) RequeueCards(images []CardImage) {
	for _, img := range images {
		if _, newer := b.pending[img.Key]; newer || img.Key == "" {
			continue
		}
		b.pending[img.Key] = img
	}
}

func (b *Binder) notify(reason string) {
	if b.cfg.Notifier != nil {
		b.cfg.Notifier.Notify(reason)
	}
}

// Slug derives a record slug from a card link such as
// "/projects/alpha.html" or "projects/alpha/".
func Slug(href string) string {
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	href = strings.TrimRight(href, "/")
	base := path.Base(href)
	if base == "index.html" {
		base = path.Base(path.Dir(href))
	}
	base = strings.TrimSuffix(base, path.Ext(base))

	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(base) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(sb.String(), "-")
	if slug == "." || slug == "" {
		return ""
	}
	return slug
}
