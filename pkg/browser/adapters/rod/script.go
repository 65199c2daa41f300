package rod

// refAttr is stamped on every element a snapshot reports so actions can find
// it again with a plain attribute selector.
const refAttr = "data-plan-ref"

// snapshotScript walks the document in order, tags candidates with refAttr
// and returns their descriptors as a JSON string.
const snapshotScript = `(includeHidden) => {
	const selector = 'a,button,input,select,textarea,summary,label,h1,h2,h3,h4,h5,h6,p,li,td,th,span,[role],[contenteditable="true"]';
	const implicitRole = (el) => {
		const tag = el.tagName.toLowerCase();
		if (tag === 'a') return 'link';
		if (tag === 'button' || tag === 'summary') return 'button';
		if (tag === 'select') return 'combobox';
		if (tag === 'textarea') return 'textbox';
		if (/^h[1-6]$/.test(tag)) return 'heading';
		if (tag === 'li') return 'listitem';
		if (tag === 'td' || tag === 'th') return 'cell';
		if (tag === 'input') {
			const type = (el.getAttribute('type') || 'text').toLowerCase();
			if (type === 'checkbox') return 'checkbox';
			if (type === 'radio') return 'radio';
			if (type === 'submit' || type === 'button') return 'button';
			if (type === 'search') return 'searchbox';
			return 'textbox';
		}
		return tag === 'p' ? 'paragraph' : 'text';
	};
	const visible = (el) => {
		const style = window.getComputedStyle(el);
		if (style.visibility === 'hidden' || style.display === 'none') return false;
		const rect = el.getBoundingClientRect();
		return rect.width > 0 && rect.height > 0;
	};
	const labelFor = (el) => {
		if (el.labels && el.labels.length) return el.labels[0].innerText.trim();
		const by = el.getAttribute('aria-labelledby');
		if (by) {
			const ref = document.getElementById(by);
			if (ref) return ref.innerText.trim();
		}
		return '';
	};
	const out = [];
	let counter = 0;
	for (const el of document.querySelectorAll(selector)) {
		if (!includeHidden && !visible(el)) continue;
		const tag = el.tagName.toLowerCase();
		const ownText = tag === 'span' || tag === 'p' || tag === 'li' || tag === 'td' || tag === 'th'
			? Array.from(el.childNodes).filter(n => n.nodeType === 3).map(n => n.textContent).join(' ').trim()
			: (el.innerText || '').trim();
		const name = el.getAttribute('aria-label') || el.getAttribute('title') || el.getAttribute('alt') ||
			(tag === 'input' && ['submit', 'button'].includes((el.type || '').toLowerCase()) ? el.value : '') ||
			(['a', 'button', 'summary'].includes(tag) || /^h[1-6]$/.test(tag) ? ownText : '') ||
			el.getAttribute('name') || '';
		const isField = tag === 'input' || tag === 'select' || tag === 'textarea';
		if (!isField && !name && !ownText && !el.hasAttribute('role')) continue;
		let ref = el.getAttribute('` + refAttr + `');
		if (!ref) {
			ref = 'r' + (++counter);
			while (document.querySelector('[` + refAttr + `="' + ref + '"]')) ref = 'r' + (++counter);
			el.setAttribute('` + refAttr + `', ref);
		}
		const attributes = {};
		for (const key of ['id', 'href', 'type', 'name', 'data-testid']) {
			const v = el.getAttribute(key);
			if (v) attributes[key] = v;
		}
		out.push({
			ref,
			role: el.getAttribute('role') || implicitRole(el),
			name: name.slice(0, 200),
			label: labelFor(el).slice(0, 200),
			text: ownText.slice(0, 500),
			value: isField ? String(el.value || '') : '',
			placeholder: el.getAttribute('placeholder') || '',
			attributes,
		});
	}
	return JSON.stringify(out);
}`
