package kinfolk

import (
	"context"
	"sync"
)

// PostsState is a read-only snapshot of the posts slice.
type PostsState struct {
	Posts   []Post
	Page    int
	HasMore bool
	Total   int
	Loading bool
	Error   string

	Stories        []Story
	StoriesLoading bool
}

// pendingTxn records an optimistic update until the network call resolves.
type pendingTxn struct {
	op           string
	postID       string
	likeDelta    int
	likedTarget  bool
	commentDelta int
}

// PostSlice owns the feed, stories and per-post comment lists.
type PostSlice struct {
	env *storeEnv

	mu             sync.RWMutex
	posts          []Post
	page           int
	hasMore        bool
	total          int
	loading        bool
	err            string
	stories        []Story
	storiesLoading bool
	comments       map[string][]Comment
	txnSeq         uint64
	pending        map[uint64]pendingTxn
}

func newPostSlice(env *storeEnv) *PostSlice {
	return &PostSlice{
		env:      env,
		comments: make(map[string][]Comment),
		pending:  make(map[uint64]pendingTxn),
	}
}

// ============================================================================
// Feed
// ============================================================================

// Fetch loads one feed page. Page 1 (or append=false) replaces the collection,
// later pages append. A failed first page clears the collection so stale posts
// are not shown as current; later-page failures keep what is loaded.
func (s *PostSlice) Fetch(ctx context.Context, page int, appendPage bool) error {
	if page < 1 {
		page = 1
	}
	s.mu.Lock()
	s.loading = true
	s.err = ""
	s.mu.Unlock()

	res, err := s.env.client.Posts.List(ctx, page)
	if err != nil {
		s.mu.Lock()
		s.loading = false
		s.err = err.Error()
		if page == 1 {
			s.posts = nil
			s.page = 0
			s.hasMore = false
			s.total = 0
		}
		s.mu.Unlock()
		s.env.log.Warn("posts_fetch_failed", "page", page, "error", err)
		return err
	}

	now := s.env.now()
	fetched := make([]Post, 0, len(res.Results))
	for _, raw := range res.Results {
		fetched = append(fetched, transformPostAt(raw, now))
	}

	s.mu.Lock()
	s.loading = false
	if appendPage && page > 1 {
		s.posts = mergePosts(s.posts, fetched)
	} else {
		s.posts = dedupePosts(fetched)
	}
	s.page = page
	s.hasMore = res.Next != nil && *res.Next != ""
	s.total = res.Count
	count := len(s.posts)
	s.mu.Unlock()

	s.env.bus.Publish(PostsLoaded{Page: page, Count: count})
	return nil
}

// LoadMore fetches the next page when one exists and no fetch is running.
func (s *PostSlice) LoadMore(ctx context.Context) error {
	s.mu.RLock()
	next, ok := s.page+1, s.hasMore && !s.loading
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.Fetch(ctx, next, true)
}

// Refresh reloads the first page.
func (s *PostSlice) Refresh(ctx context.Context) error {
	return s.Fetch(ctx, 1, false)
}

// Create publishes a new post and prepends it to the feed.
func (s *PostSlice) Create(ctx context.Context, content, image string) (Post, error) {
	raw, err := s.env.client.Posts.Create(ctx, &CreatePostOptions{Content: content, Image: image})
	if err != nil {
		s.setError(err)
		return Post{}, err
	}
	p := transformPostAt(raw, s.env.now())
	if p.Content == "" {
		p.Content = content
	}
	if p.Author.Username == "" {
		if me, ok := s.env.currentUser(); ok {
			p.Author = me.Author().Normalize()
		}
	}

	s.mu.Lock()
	s.posts = mergePosts([]Post{p}, s.posts)
	s.mu.Unlock()

	s.env.bus.Publish(PostAdded{Post: p})
	return p, nil
}

// Remove deletes a post once the backend has confirmed the deletion.
func (s *PostSlice) Remove(ctx context.Context, postID string) error {
	if err := s.env.client.Posts.Delete(ctx, postID); err != nil {
		s.setError(err)
		return err
	}

	removed := Post{ID: postID}
	s.mu.Lock()
	for i, p := range s.posts {
		if p.ID == postID {
			removed = p
			s.posts = append(s.posts[:i:i], s.posts[i+1:]...)
			break
		}
	}
	delete(s.comments, postID)
	s.mu.Unlock()

	s.env.bus.Publish(PostRemoved{Post: removed})
	return nil
}

// ============================================================================
// Likes
// ============================================================================

// Like applies the like locally, then confirms it with the backend. A failed
// call rolls the local change back.
func (s *PostSlice) Like(ctx context.Context, postID string) error {
	return s.toggleLike(ctx, postID, true)
}

// Unlike is the inverse of Like.
func (s *PostSlice) Unlike(ctx context.Context, postID string) error {
	return s.toggleLike(ctx, postID, false)
}

func (s *PostSlice) toggleLike(ctx context.Context, postID string, like bool) error {
	delta := 1
	op := "like"
	if !like {
		delta = -1
		op = "unlike"
	}

	s.mu.Lock()
	idx := s.indexLocked(postID)
	if idx < 0 || s.posts[idx].IsLiked == like {
		s.mu.Unlock()
		return nil
	}
	before := s.posts[idx].LikeCount
	s.posts[idx].IsLiked = like
	s.posts[idx].LikeCount = clampZero(before + delta)
	txn := pendingTxn{op: op, postID: postID, likeDelta: s.posts[idx].LikeCount - before, likedTarget: like}
	id := s.beginLocked(txn)
	s.mu.Unlock()

	var err error
	if like {
		_, err = s.env.client.Posts.Like(ctx, postID)
	} else {
		_, err = s.env.client.Posts.Unlike(ctx, postID)
	}

	s.mu.Lock()
	delete(s.pending, id)
	if err != nil {
		if i := s.indexLocked(postID); i >= 0 {
			s.posts[i].LikeCount = clampZero(s.posts[i].LikeCount - txn.likeDelta)
			if s.posts[i].IsLiked == txn.likedTarget {
				s.posts[i].IsLiked = !txn.likedTarget
			}
		}
		s.err = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.env.metrics.rolledBack(op)
		s.env.log.Warn("optimistic_rollback", "op", op, "post", postID, "error", err)
	}
	return err
}

// ============================================================================
// Comments
// ============================================================================

// LoadComments fetches the comment thread of a post.
func (s *PostSlice) LoadComments(ctx context.Context, postID string) ([]Comment, error) {
	raws, err := s.env.client.Posts.Comments(ctx, postID)
	if err != nil {
		s.setError(err)
		return nil, err
	}
	comments := make([]Comment, 0, len(raws))
	for _, raw := range raws {
		c := TransformComment(raw)
		if c.PostID == "" {
			c.PostID = postID
		}
		comments = append(comments, c)
	}

	s.mu.Lock()
	s.comments[postID] = comments
	if i := s.indexLocked(postID); i >= 0 && len(comments) > s.posts[i].CommentCount {
		s.posts[i].CommentCount = len(comments)
	}
	s.mu.Unlock()
	return append([]Comment(nil), comments...), nil
}

// AddComment bumps the comment count optimistically and rolls it back when
// the backend rejects the comment.
func (s *PostSlice) AddComment(ctx context.Context, postID, content string) (Comment, error) {
	s.mu.Lock()
	var id uint64
	tracked := false
	if i := s.indexLocked(postID); i >= 0 {
		s.posts[i].CommentCount++
		id = s.beginLocked(pendingTxn{op: "comment", postID: postID, commentDelta: 1})
		tracked = true
	}
	s.mu.Unlock()

	raw, err := s.env.client.Posts.AddComment(ctx, postID, content)

	s.mu.Lock()
	if tracked {
		delete(s.pending, id)
	}
	if err != nil {
		if i := s.indexLocked(postID); tracked && i >= 0 {
			s.posts[i].CommentCount = clampZero(s.posts[i].CommentCount - 1)
		}
		s.err = err.Error()
		s.mu.Unlock()
		if tracked {
			s.env.metrics.rolledBack("comment")
		}
		return Comment{}, err
	}
	c := TransformComment(raw)
	if c.PostID == "" {
		c.PostID = postID
	}
	if c.Content == "" {
		c.Content = content
	}
	if _, ok := s.comments[postID]; ok {
		s.comments[postID] = append(s.comments[postID], c)
	}
	s.mu.Unlock()
	return c, nil
}

// ============================================================================
// Stories
// ============================================================================

func (s *PostSlice) LoadStories(ctx context.Context) error {
	s.mu.Lock()
	s.storiesLoading = true
	s.mu.Unlock()

	raws, err := s.env.client.Stories.List(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.storiesLoading = false
	if err != nil {
		s.err = err.Error()
		return err
	}
	s.stories = make([]Story, 0, len(raws))
	for _, raw := range raws {
		s.stories = append(s.stories, TransformStory(raw))
	}
	return nil
}

// ViewStory marks a story viewed locally and reports the view.
func (s *PostSlice) ViewStory(ctx context.Context, storyID string) error {
	s.mu.Lock()
	wasViewed := true
	for i := range s.stories {
		if s.stories[i].ID == storyID {
			wasViewed = s.stories[i].Viewed
			s.stories[i].Viewed = true
		}
	}
	s.mu.Unlock()
	if wasViewed {
		return nil
	}

	if err := s.env.client.Stories.View(ctx, storyID); err != nil {
		s.mu.Lock()
		for i := range s.stories {
			if s.stories[i].ID == storyID {
				s.stories[i].Viewed = false
			}
		}
		s.err = err.Error()
		s.mu.Unlock()
		s.env.metrics.rolledBack("story_view")
		return err
	}
	return nil
}

// ============================================================================
// Synchronizer commands
// ============================================================================

// PatchAuthor rewrites the author block of every cached post by username.
// It publishes no event. Returns the number of posts patched.
func (s *PostSlice) PatchAuthor(username string, fn func(Author) Author) int {
	if username == "" {
		return 0
	}
	return s.patchAuthors(func(a Author) bool { return a.Username == username }, fn)
}

// patchAuthors rewrites every cached post and story author accepted by match.
func (s *PostSlice) patchAuthors(match func(Author) bool, fn func(Author) Author) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.posts {
		if match(s.posts[i].Author) {
			s.posts[i].Author = fn(s.posts[i].Author).Normalize()
			n++
		}
	}
	for i := range s.stories {
		if match(s.stories[i].Author) {
			s.stories[i].Author = fn(s.stories[i].Author).Normalize()
		}
	}
	return n
}

// ============================================================================
// Selectors
// ============================================================================

func (s *PostSlice) Snapshot() PostsState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return PostsState{
		Posts:          append([]Post(nil), s.posts...),
		Page:           s.page,
		HasMore:        s.hasMore,
		Total:          s.total,
		Loading:        s.loading,
		Error:          s.err,
		Stories:        append([]Story(nil), s.stories...),
		StoriesLoading: s.storiesLoading,
	}
}

func (s *PostSlice) Get(postID string) (Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(postID); i >= 0 {
		return s.posts[i], true
	}
	return Post{}, false
}

func (s *PostSlice) ByAuthor(username string) []Post {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Post
	for _, p := range s.posts {
		if p.Author.Username == username {
			out = append(out, p)
		}
	}
	return out
}

func (s *PostSlice) Stories() []Story {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Story(nil), s.stories...)
}

func (s *PostSlice) Comments(postID string) []Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Comment(nil), s.comments[postID]...)
}

// PendingCount returns the number of unresolved optimistic updates.
func (s *PostSlice) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// ============================================================================
// Helpers
// ============================================================================

func (s *PostSlice) setError(err error) {
	s.mu.Lock()
	s.err = err.Error()
	s.mu.Unlock()
}

func (s *PostSlice) indexLocked(postID string) int {
	for i := range s.posts {
		if s.posts[i].ID == postID {
			return i
		}
	}
	return -1
}

func (s *PostSlice) beginLocked(txn pendingTxn) uint64 {
	s.txnSeq++
	s.pending[s.txnSeq] = txn
	return s.txnSeq
}

// mergePosts appends extra to base, skipping ids already present.
func mergePosts(base, extra []Post) []Post {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]Post, 0, len(base)+len(extra))
	for _, list := range [][]Post{base, extra} {
		for _, p := range list {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
		}
	}
	return out
}

func dedupePosts(posts []Post) []Post {
	return mergePosts(nil, posts)
}
