package sync

// ExtractAttachments walks the part tree depth-first in parts order and
// returns a descriptor for every part whose body references an attachment.
// The walk uses an explicit stack.
func ExtractAttachments(payload *Part) []AttachmentDescriptor {
	if payload == nil {
		return nil
	}

	var out []AttachmentDescriptor
	stack := []*Part{payload}

	for len(stack) > 0 {
		part := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if part == nil {
			continue
		}

		if part.Body != nil && part.Body.AttachmentID != "" {
			out = append(out, AttachmentDescriptor{
				AttachmentID: part.Body.AttachmentID,
				Filename:     part.Filename,
				MimeType:     part.MimeType,
			})
		}

		// push children in reverse so the first child is visited next
		for i := len(part.Parts) - 1; i >= 0; i-- {
			stack = append(stack, part.Parts[i])
		}
	}

	return out
}
