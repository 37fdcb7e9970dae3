package stage

// AsyncBlock runs pre on a shared worker pool, off the stage, then posts
// post(result, err) back onto the stage queue. This is the sanctioned way to
// do blocking I/O from a stage callback without holding the worker: the
// stage keeps draining other items while pre runs.
func (s *Stage) AsyncBlock(pre func() (any, error), post func(result any, err error)) {
	go func() {
		s.dir.asyncSem <- struct{}{}
		defer func() { <-s.dir.asyncSem }()

		result, err := pre()
		s.post(func() { post(result, err) })
	}()
}
